package logger

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// PutMetricData accepts at most this many datums per call.
const maxDatumsPerPut = 1000

type cloudWatchAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
	PutDashboard(ctx context.Context, in *cloudwatch.PutDashboardInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error)
}

type cloudWatchSink struct {
	client    cloudWatchAPI
	namespace string
	dashboard string
}

var (
	cwMu   sync.RWMutex
	cwSink *cloudWatchSink
)

// InitCloudWatch enables metric publishing to namespace and creates the
// trading dashboard. An empty region falls back to AWS_REGION. Failures only
// disable publishing.
func InitCloudWatch(region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	ctx := context.Background()
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	sink := setCloudWatch(cloudwatch.NewFromConfig(cfg), namespace, dashboard)
	log.WithFields(Fields{"region": region, "namespace": sink.namespace}).Info("initialized CloudWatch client")
	CreateDefaultDashboard(ctx)
}

func setCloudWatch(client cloudWatchAPI, namespace, dashboard string) *cloudWatchSink {
	sink := &cloudWatchSink{client: client, namespace: "Tradeflow", dashboard: "Tradeflow"}
	if namespace != "" {
		sink.namespace = namespace
	}
	if dashboard != "" {
		sink.dashboard = dashboard
	}
	cwMu.Lock()
	cwSink = sink
	cwMu.Unlock()
	return sink
}

func currentCloudWatch() *cloudWatchSink {
	cwMu.RLock()
	defer cwMu.RUnlock()
	return cwSink
}

// publishMetrics sends data to CloudWatch in batches when a client is set.
func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	sink := currentCloudWatch()
	if sink == nil || len(data) == 0 {
		return
	}
	log := GetLogger().WithComponent("cloudwatch")

	for start := 0; start < len(data); start += maxDatumsPerPut {
		end := start + maxDatumsPerPut
		if end > len(data) {
			end = len(data)
		}
		batch := data[start:end]
		if _, err := sink.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(sink.namespace),
			MetricData: batch,
		}); err != nil {
			log.WithError(err).WithFields(Fields{"datums": len(batch)}).Warn("failed to publish CloudWatch metrics")
			return
		}
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		names = append(names, aws.ToString(datum.MetricName))
	}
	log.WithFields(Fields{"metrics": strings.Join(names, ",")}).Debug("published metrics to CloudWatch")
}

type dashboardWidget struct {
	Type       string           `json:"type"`
	Width      int              `json:"width"`
	Height     int              `json:"height"`
	Properties widgetProperties `json:"properties"`
}

type widgetProperties struct {
	Metrics [][]string `json:"metrics"`
	Period  int        `json:"period"`
	Stat    string     `json:"stat"`
	Title   string     `json:"title"`
}

// dashboardBody lays out order flow, risk gating and market feed health.
func dashboardBody(namespace string) (string, error) {
	row := func(title, stat string, names ...string) dashboardWidget {
		metrics := make([][]string, 0, len(names))
		for _, n := range names {
			metrics = append(metrics, []string{namespace, n})
		}
		return dashboardWidget{
			Type:   "metric",
			Width:  12,
			Height: 6,
			Properties: widgetProperties{
				Metrics: metrics,
				Period:  60,
				Stat:    stat,
				Title:   title,
			},
		}
	}

	body, err := json.Marshal(map[string][]dashboardWidget{"widgets": {
		row("Signals and orders", "Maximum", "signals", "orders_filled", "orders_partial", "orders_open"),
		row("Order failures", "Maximum", "orders_rejected", "orders_cancelled"),
		row("Risk gate", "Maximum", "risk_approved", "risk_rejected"),
		row("Market feed", "Maximum", "feed_errors", "heap_mb"),
	}})
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// CreateDefaultDashboard puts the trading dashboard when CloudWatch is
// configured. Failures are logged but do not stop execution.
func CreateDefaultDashboard(ctx context.Context) {
	sink := currentCloudWatch()
	if sink == nil {
		return
	}
	log := GetLogger().WithComponent("cloudwatch")

	body, err := dashboardBody(sink.namespace)
	if err != nil {
		log.WithError(err).Warn("failed to render CloudWatch dashboard")
		return
	}
	if _, err := sink.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(sink.dashboard),
		DashboardBody: aws.String(body),
	}); err != nil {
		log.WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
