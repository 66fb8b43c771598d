package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stripe/stripe-go/v84"
)

// maxChainDepth bounds the walk over wrapped and joined errors.
const maxChainDepth = 16

// ErrorDump flattens an error for logging: our code, the wrap chain, and
// whatever the database or the payment processor reported.
type ErrorDump struct {
	TopMessage string `json:"top_message"`
	Code       Code   `json:"code,omitempty"`

	Chain []string `json:"chain,omitempty"`

	PGCode       string `json:"pg_code,omitempty"`
	PGConstraint string `json:"pg_constraint,omitempty"`
	PGTable      string `json:"pg_table,omitempty"`
	PGColumn     string `json:"pg_column,omitempty"`
	PGDetail     string `json:"pg_detail,omitempty"`
	PGMessage    string `json:"pg_message,omitempty"`

	ProcessorType        string `json:"processor_type,omitempty"`
	ProcessorCode        string `json:"processor_code,omitempty"`
	ProcessorDeclineCode string `json:"processor_decline_code,omitempty"`
	ProcessorParam       string `json:"processor_param,omitempty"`
	ProcessorRequestID   string `json:"processor_request_id,omitempty"`
	ProcessorStatus      int    `json:"processor_status,omitempty"`
}

func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}

	d := ErrorDump{TopMessage: err.Error()}
	if te := As(err); te != nil {
		d.Code = te.Code()
	}
	d.Chain = chain(err)

	var pgxErr *pgconn.PgError
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pgxErr):
		d.PGCode = pgxErr.Code
		d.PGConstraint = pgxErr.ConstraintName
		d.PGTable = pgxErr.TableName
		d.PGColumn = pgxErr.ColumnName
		d.PGDetail = pgxErr.Detail
		d.PGMessage = pgxErr.Message
	case errors.As(err, &pqErr):
		d.PGCode = string(pqErr.Code)
		d.PGConstraint = pqErr.Constraint
		d.PGTable = pqErr.Table
		d.PGColumn = pqErr.Column
		d.PGDetail = pqErr.Detail
		d.PGMessage = pqErr.Message
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		d.ProcessorType = string(stripeErr.Type)
		d.ProcessorCode = string(stripeErr.Code)
		d.ProcessorDeclineCode = string(stripeErr.DeclineCode)
		d.ProcessorParam = stripeErr.Param
		d.ProcessorRequestID = stripeErr.RequestID
		d.ProcessorStatus = stripeErr.HTTPStatusCode
	}
	return d
}

// Fields returns the non-empty parts of the dump as log fields.
func (d ErrorDump) Fields() map[string]any {
	fields := map[string]any{"error_message": d.TopMessage}
	add := func(key, value string) {
		if value != "" {
			fields[key] = value
		}
	}
	add("error_code", string(d.Code))
	if len(d.Chain) > 0 {
		fields["error_chain"] = d.Chain
	}
	add("pg_code", d.PGCode)
	add("pg_constraint", d.PGConstraint)
	add("pg_detail", d.PGDetail)
	add("processor_type", d.ProcessorType)
	add("processor_code", d.ProcessorCode)
	add("processor_decline_code", d.ProcessorDeclineCode)
	add("processor_param", d.ProcessorParam)
	add("processor_request_id", d.ProcessorRequestID)
	if d.ProcessorStatus != 0 {
		fields["processor_status"] = d.ProcessorStatus
	}
	return fields
}

// chain lists every error reachable through Unwrap, depth first, following
// each branch of errors joined with errors.Join or multiple %w verbs.
func chain(err error) []string {
	var out []string
	var walk func(e error, depth int)
	walk = func(e error, depth int) {
		if e == nil || depth >= maxChainDepth {
			return
		}
		out = append(out, fmt.Sprintf("%T: %v", e, e))
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				walk(inner, depth+1)
			}
		case interface{ Unwrap() error }:
			walk(u.Unwrap(), depth+1)
		}
	}
	walk(err, 0)
	return out
}
