package metrics

import (
	"context"
	"fmt"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-purchase-tokens/internal/aws"
	"github.com/imrishuroy/go-purchase-tokens/internal/sweeper"
)

const DefaultCloudWatchNamespace = "PurchaseTokens"

// CloudWatchEmitter publishes sweep results as CloudWatch custom metrics.
type CloudWatchEmitter struct {
	client    aws.CloudWatchAPI
	namespace string
	log       *zap.Logger
	nowFunc   func() time.Time
}

func NewCloudWatchEmitter(client aws.CloudWatchAPI, namespace string, log *zap.Logger) *CloudWatchEmitter {
	if namespace == "" {
		namespace = DefaultCloudWatchNamespace
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CloudWatchEmitter{client: client, namespace: namespace, log: log, nowFunc: time.Now}
}

// SweepCompleted implements sweeper.Recorder. Emission failures are logged;
// a metrics outage must not fail a sweep.
func (m *CloudWatchEmitter) SweepCompleted(ctx context.Context, res sweeper.Result, took time.Duration) {
	if err := m.PutSweep(ctx, res, took); err != nil {
		m.log.Warn("failed to publish sweep metrics", zap.Error(err))
	}
}

func (m *CloudWatchEmitter) PutSweep(ctx context.Context, res sweeper.Result, took time.Duration) error {
	ts := m.nowFunc()
	datum := func(name string, v float64, unit cwtypes.StandardUnit) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: sdkaws.String(name),
			Timestamp:  sdkaws.Time(ts),
			Value:      sdkaws.Float64(v),
			Unit:       unit,
		}
	}
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: sdkaws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			datum("SweepScanned", float64(res.Scanned), cwtypes.StandardUnitCount),
			datum("SweepExpired", float64(res.Expired), cwtypes.StandardUnitCount),
			datum("SweepSkipped", float64(res.Skipped), cwtypes.StandardUnitCount),
			datum("SweepDuration", float64(took.Milliseconds()), cwtypes.StandardUnitMilliseconds),
		},
	})
	if err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	return nil
}
