package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestReviewsTotal_IncrementsByOutcomeLabel(t *testing.T) {
	ReviewsTotal.Reset()

	ReviewsTotal.WithLabelValues(OutcomeSuccess).Inc()
	ReviewsTotal.WithLabelValues(OutcomeSuccess).Inc()
	ReviewsTotal.WithLabelValues(OutcomeNoChanges).Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(ReviewsTotal.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(ReviewsTotal.WithLabelValues(OutcomeNoChanges)))
	assert.Equal(t, float64(0), testutil.ToFloat64(ReviewsTotal.WithLabelValues(OutcomeError)))
}

func TestCodingTasksDuration_ObservesIntoOutcomeBucket(t *testing.T) {
	CodingTasksDuration.Reset()

	CodingTasksDuration.WithLabelValues(OutcomeSuccess).Observe(0.25)
	CodingTasksDuration.WithLabelValues(OutcomeError).Observe(1.5)

	assert.Equal(t, 2, testutil.CollectAndCount(CodingTasksDuration))
}

func TestWebhookErrorsTotal_SplitsByHandler(t *testing.T) {
	WebhookErrorsTotal.Reset()

	WebhookErrorsTotal.WithLabelValues("gitlab_webhook").Inc()
	WebhookErrorsTotal.WithLabelValues("gitlab_webhook").Inc()
	WebhookErrorsTotal.WithLabelValues("jira_poller").Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(WebhookErrorsTotal.WithLabelValues("gitlab_webhook")))
	assert.Equal(t, float64(1), testutil.ToFloat64(WebhookErrorsTotal.WithLabelValues("jira_poller")))
}
