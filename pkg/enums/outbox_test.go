package enums

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxEventAudience(t *testing.T) {
	cases := map[OutboxEventType]string{
		EventPaymentConfirmed:       "user",
		EventMembershipActivated:    "user",
		EventCardExpiring:           "user",
		EventPaymentIntegrityError:  "operator",
		EventMembershipPriceChanged: "operator",
		EventRefundReceived:         "operator",
		EventOperatorAlert:          "operator",
		EventActivityRecorded:       "audit",
	}
	for event, want := range cases {
		assert.Equal(t, want, event.Audience(), event)
	}
}

func TestParseOutboxEventTypeKnowsActivity(t *testing.T) {
	event, err := ParseOutboxEventType("activity_recorded")
	require.NoError(t, err)
	assert.Equal(t, EventActivityRecorded, event)

	aggregate, err := ParseOutboxAggregateType("activity")
	require.NoError(t, err)
	assert.Equal(t, AggregateActivity, aggregate)

	_, err = ParseOutboxEventType("activity")
	require.Error(t, err)
}
