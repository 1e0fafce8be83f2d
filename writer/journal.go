package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "tradeflow/config"
	"tradeflow/internal/metrics"
	"tradeflow/logger"
	"tradeflow/models"
)

const (
	defaultJournalPrefix   = "trades"
	defaultJournalFlush    = time.Minute
	defaultJournalCapacity = 10000
)

// TradeRecord is one parquet row of the trade journal.
type TradeRecord struct {
	OrderID     string  `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Exchange    string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Base        string  `parquet:"name=base, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quote       string  `parquet:"name=quote, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side        string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Strategy    string  `parquet:"name=strategy, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quantity    float64 `parquet:"name=quantity, type=DOUBLE"`
	Price       float64 `parquet:"name=price, type=DOUBLE"`
	RealizedPnL float64 `parquet:"name=realized_pnl, type=DOUBLE"`
	Timestamp   int64   `parquet:"name=timestamp, type=INT64"`
}

func toTradeRecord(t models.Trade) TradeRecord {
	return TradeRecord{
		OrderID:     t.OrderID,
		Exchange:    t.Symbol.Exchange,
		Base:        t.Symbol.Base,
		Quote:       t.Symbol.Quote,
		Side:        string(t.Side),
		Strategy:    t.Strategy,
		Quantity:    t.Quantity,
		Price:       t.Price,
		RealizedPnL: t.RealizedPnL,
		Timestamp:   t.Timestamp.UnixMilli(),
	}
}

// memoryFile satisfies source.ParquetFile so files are built without touching disk.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (f *memoryFile) Create(string) (source.ParquetFile, error) { return f, nil }
func (f *memoryFile) Open(string) (source.ParquetFile, error)   { return f, nil }

// Seek only reports the write offset; the writer never seeks backwards.
func (f *memoryFile) Seek(int64, int) (int64, error) { return int64(f.buffer.Len()), nil }
func (f *memoryFile) Read(b []byte) (int, error)     { return f.buffer.Read(b) }
func (f *memoryFile) Write(b []byte) (int, error)    { return f.buffer.Write(b) }
func (f *memoryFile) Close() error                   { return nil }
func (f *memoryFile) Bytes() []byte                  { return f.buffer.Bytes() }

type objectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Journal buffers executed trades and periodically uploads them to S3 as
// parquet. A journal without a store records nothing.
type Journal struct {
	store       objectStore
	bucket      string
	prefix      string
	compression string
	version     string
	interval    time.Duration
	capacity    int
	manifest    *manifest

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	buffer  []models.Trade
	now     func() time.Time
	log     *logger.Log
}

// NewJournal builds the S3 journal, or a disabled one when either the
// journal or S3 storage is switched off.
func NewJournal(cfg *appconfig.Config) (*Journal, error) {
	log := logger.GetLogger()
	s3cfg := cfg.Storage.S3
	if !cfg.Storage.Journal.Enabled || !s3cfg.Enabled {
		log.WithComponent("journal").Info("trade journal disabled")
		return newJournal(nil, cfg), nil
	}

	ctx := context.Background()
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(s3cfg.Region),
	}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretAccessKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.PathStyle
	})

	j := newJournal(client, cfg)
	log.WithComponent("journal").WithFields(logger.Fields{
		"bucket":     s3cfg.Bucket,
		"region":     s3cfg.Region,
		"endpoint":   s3cfg.Endpoint,
		"path_style": s3cfg.PathStyle,
		"prefix":     j.prefix,
	}).Info("trade journal initialized")
	return j, nil
}

func newJournal(store objectStore, cfg *appconfig.Config) *Journal {
	jcfg := cfg.Storage.Journal
	j := &Journal{
		store:       store,
		bucket:      cfg.Storage.S3.Bucket,
		prefix:      jcfg.Prefix,
		compression: jcfg.Compression,
		version:     cfg.Tradeflow.Version,
		interval:    jcfg.FlushInterval,
		capacity:    defaultJournalCapacity,
		wg:          &sync.WaitGroup{},
		now:         func() time.Time { return time.Now().UTC() },
		log:         logger.GetLogger(),
	}
	if j.prefix == "" {
		j.prefix = defaultJournalPrefix
	}
	if j.interval <= 0 {
		j.interval = defaultJournalFlush
	}
	j.manifest = newManifest(j.bucket, j.prefix)
	return j
}

// Enabled reports whether recorded trades reach S3.
func (j *Journal) Enabled() bool {
	return j != nil && j.store != nil
}

// Record queues a trade for the next flush and reports whether it was kept.
func (j *Journal) Record(trade models.Trade) bool {
	if !j.Enabled() {
		return false
	}
	j.mu.Lock()
	if len(j.buffer) >= j.capacity {
		j.mu.Unlock()
		metrics.EmitDropMetric(j.log, metrics.DropMetricTrade, trade.Symbol.Exchange, trade.Symbol.String(), "journal")
		return false
	}
	j.buffer = append(j.buffer, trade)
	j.mu.Unlock()
	return true
}

func (j *Journal) Start(ctx context.Context) error {
	if !j.Enabled() {
		return nil
	}
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return fmt.Errorf("journal already running")
	}
	j.running = true
	j.ctx = ctx
	j.mu.Unlock()

	j.wg.Add(1)
	go j.flushWorker()

	j.log.WithComponent("journal").WithFields(logger.Fields{
		"flush_interval": j.interval.String(),
	}).Info("journal started")
	return nil
}

// Stop waits for the final flush, which runs once the start context ends.
func (j *Journal) Stop() {
	if !j.Enabled() {
		return
	}
	j.mu.Lock()
	j.running = false
	j.mu.Unlock()

	j.wg.Wait()
	j.log.WithComponent("journal").Info("journal stopped")
}

func (j *Journal) flushWorker() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			_ = j.flush(context.WithoutCancel(j.ctx), "shutdown")
			return
		case <-ticker.C:
			_ = j.flush(j.ctx, "interval")
		}
	}
}

// flush uploads everything buffered so far. Rows of a failed upload are put
// back so the next flush retries them.
func (j *Journal) flush(ctx context.Context, reason string) error {
	j.mu.Lock()
	trades := j.buffer
	j.buffer = nil
	j.mu.Unlock()

	if len(trades) == 0 {
		return nil
	}

	now := j.now()
	key := j.objectKey(now)
	log := j.log.WithComponent("journal").WithFields(logger.Fields{
		"reason": reason,
		"trades": len(trades),
		"s3_key": key,
	})

	start := time.Now()
	data, err := j.encode(trades)
	if err == nil {
		err = j.upload(ctx, key, data)
	}
	if err != nil {
		j.requeue(trades)
		log.WithError(err).WithEnv("S3_BUCKET").Error("journal flush failed")
		return err
	}

	df := DataFile{
		Path:        fmt.Sprintf("s3://%s/%s", j.bucket, key),
		FileSize:    int64(len(data)),
		RecordCount: int64(len(trades)),
		Partition:   map[string]string{"date": now.Format("2006-01-02")},
		Timestamp:   now,
	}
	if err := j.publishMetadata(ctx, df); err != nil {
		log.WithError(err).Warn("failed to update journal metadata")
	}

	logger.LogHandoff(log, "journal", "s3", len(trades), "trade")
	logger.LogPerformanceEntry(log, "journal", "flush", time.Since(start), logger.Fields{
		"file_size": len(data),
	})
	return nil
}

// publishMetadata uploads the manifest for df and the refreshed table metadata.
func (j *Journal) publishMetadata(ctx context.Context, df DataFile) error {
	objects, commit, err := j.manifest.addFile(df)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if err := j.put(ctx, obj.Key, obj.Body, "application/json", nil); err != nil {
			return err
		}
	}
	commit()
	return nil
}

func (j *Journal) requeue(trades []models.Trade) {
	j.mu.Lock()
	defer j.mu.Unlock()
	room := j.capacity - len(j.buffer)
	if room <= 0 {
		return
	}
	if len(trades) > room {
		trades = trades[len(trades)-room:]
	}
	j.buffer = append(trades, j.buffer...)
}

func (j *Journal) objectKey(now time.Time) string {
	name := fmt.Sprintf("trades_%s_%s.parquet", now.Format("20060102150405"), uuid.New().String())
	return path.Join(j.prefix, "date="+now.Format("2006-01-02"), name)
}

func (j *Journal) encode(trades []models.Trade) ([]byte, error) {
	f := newMemoryFile()
	pw, err := writer.NewParquetWriter(f, new(TradeRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch j.compression {
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	case "none":
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	default:
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	}

	for _, t := range trades {
		if err := pw.Write(toTradeRecord(t)); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return f.Bytes(), nil
}

func (j *Journal) upload(ctx context.Context, key string, data []byte) error {
	compression := j.compression
	if compression == "" {
		compression = "snappy"
	}
	return j.put(ctx, key, data, "application/octet-stream", map[string]string{
		"content-type":      "parquet",
		"compression":       compression,
		"tradeflow-version": j.version,
	})
}

func (j *Journal) put(ctx context.Context, key string, data []byte, contentType string, meta map[string]string) error {
	_, err := j.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(j.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    meta,
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", j.bucket, err)
	}
	return nil
}
