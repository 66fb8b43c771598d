package pubsub

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/studiobooking/payments-backend/pkg/config"
)

func TestTopicNamesDeduplicates(t *testing.T) {
	names := topicNames(config.PubSubConfig{
		PaymentsTopic:    "payments",
		MembershipsTopic: " payments ",
		OperatorTopic:    "operator",
		ActivityTopic:    "activity",
	})
	require.Equal(t, []string{"payments", "operator", "activity"}, names)
}

func TestTopicResourceName(t *testing.T) {
	c := &Client{projectID: "studio-prod"}
	require.Equal(t, "projects/studio-prod/topics/payments", c.topicResourceName("payments"))
	require.Equal(t, "projects/other/topics/x", c.topicResourceName("projects/other/topics/x"))
	require.Equal(t, "", c.topicResourceName("  "))
}

func TestCredentialOptions(t *testing.T) {
	require.Len(t, credentialOptions(config.GCPConfig{
		CredentialsJSON:        `{"type":"service_account"}`,
		ApplicationCredentials: "/secrets/gcp.json",
	}), 1)
	require.Len(t, credentialOptions(config.GCPConfig{ApplicationCredentials: "/secrets/gcp.json"}), 1)
	require.Empty(t, credentialOptions(config.GCPConfig{ProjectID: "studio-prod"}))
}
