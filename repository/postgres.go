package repository

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// Option defines connection options for PostgreSQL.
type Option struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	Params       map[string]string
	ConnString   string
	MaxOpenConns int
	Config       *gorm.Config
}

func OptionFromConfig(cfg config.PostgresConfig) Option {
	return Option{
		Host:         cfg.Host,
		Port:         cfg.Port,
		User:         cfg.User,
		Password:     cfg.Password,
		Database:     cfg.Database,
		SSLMode:      cfg.SSLMode,
		MaxOpenConns: cfg.MaxOpenConns,
	}
}

func (opt Option) dsn() string {
	if opt.ConnString != "" {
		return opt.ConnString
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key != "" {
			query.Set(key, value)
		}
	}
	u.RawQuery = query.Encode()
	return u.String()
}

type orderRecord struct {
	ID             string    `gorm:"column:id;type:varchar(64);primaryKey"`
	Base           string    `gorm:"column:base;type:varchar(20);not null"`
	Quote          string    `gorm:"column:quote;type:varchar(20);not null"`
	Exchange       string    `gorm:"column:exchange;type:varchar(32);not null;index"`
	Side           string    `gorm:"column:side;type:varchar(8);not null"`
	Type           string    `gorm:"column:order_type;type:varchar(16);not null"`
	Price          *float64  `gorm:"column:price"`
	StopPrice      *float64  `gorm:"column:stop_price"`
	Quantity       float64   `gorm:"column:quantity;not null"`
	FilledQuantity float64   `gorm:"column:filled_quantity;not null;default:0"`
	AvgFillPrice   float64   `gorm:"column:avg_fill_price;not null;default:0"`
	Status         string    `gorm:"column:status;type:varchar(20);not null;index"`
	Reason         string    `gorm:"column:reason;type:text"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (orderRecord) TableName() string { return "orders" }

type positionRecord struct {
	Base          string    `gorm:"column:base;type:varchar(20);primaryKey"`
	Quote         string    `gorm:"column:quote;type:varchar(20);primaryKey"`
	Exchange      string    `gorm:"column:exchange;type:varchar(32);primaryKey"`
	Quantity      float64   `gorm:"column:quantity;not null"`
	AvgPrice      float64   `gorm:"column:avg_price;not null"`
	CurrentPrice  float64   `gorm:"column:current_price;not null"`
	UnrealizedPnL float64   `gorm:"column:unrealized_pnl;not null;default:0"`
	RealizedPnL   float64   `gorm:"column:realized_pnl;not null;default:0"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (positionRecord) TableName() string { return "positions" }

func toOrderRecord(o models.Order) orderRecord {
	return orderRecord{
		ID:             o.ID,
		Base:           o.Symbol.Base,
		Quote:          o.Symbol.Quote,
		Exchange:       o.Symbol.Exchange,
		Side:           string(o.Side),
		Type:           string(o.Type),
		Price:          o.Price,
		StopPrice:      o.StopPrice,
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		AvgFillPrice:   o.AvgFillPrice,
		Status:         string(o.Status),
		Reason:         o.Reason,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}

func (r orderRecord) model() models.Order {
	return models.Order{
		ID:             r.ID,
		Symbol:         models.NewSymbol(r.Base, r.Quote, r.Exchange),
		Side:           models.OrderSide(r.Side),
		Type:           models.OrderType(r.Type),
		Price:          r.Price,
		StopPrice:      r.StopPrice,
		Quantity:       r.Quantity,
		FilledQuantity: r.FilledQuantity,
		AvgFillPrice:   r.AvgFillPrice,
		Status:         models.OrderStatus(r.Status),
		Reason:         r.Reason,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

func toPositionRecord(p models.Position) positionRecord {
	return positionRecord{
		Base:          p.Symbol.Base,
		Quote:         p.Symbol.Quote,
		Exchange:      p.Symbol.Exchange,
		Quantity:      p.Quantity,
		AvgPrice:      p.AvgPrice,
		CurrentPrice:  p.CurrentPrice,
		UnrealizedPnL: p.UnrealizedPnL,
		RealizedPnL:   p.RealizedPnL,
		UpdatedAt:     p.UpdatedAt,
	}
}

func (r positionRecord) model() models.Position {
	return models.Position{
		Symbol:        models.NewSymbol(r.Base, r.Quote, r.Exchange),
		Quantity:      r.Quantity,
		AvgPrice:      r.AvgPrice,
		CurrentPrice:  r.CurrentPrice,
		UnrealizedPnL: r.UnrealizedPnL,
		RealizedPnL:   r.RealizedPnL,
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

// Postgres stores orders and positions through gorm.
type Postgres struct {
	db  *gorm.DB
	log *logger.Log
}

// NewPostgres connects and migrates the orders and positions tables.
func NewPostgres(opt Option) (*Postgres, error) {
	cfg := opt.Config
	if cfg == nil {
		cfg = &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	}

	db, err := gorm.Open(postgres.Open(opt.dsn()), cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if opt.MaxOpenConns > 0 {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(opt.MaxOpenConns)
		}
	}

	if err := db.AutoMigrate(&orderRecord{}, &positionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}

	log := logger.GetLogger()
	log.WithComponent("repository").WithFields(logger.Fields{
		"host":     opt.Host,
		"database": opt.Database,
	}).Info("postgres repository ready")

	return &Postgres{db: db, log: log}, nil
}

func (p *Postgres) SaveOrder(ctx context.Context, order models.Order) error {
	rec := toOrderRecord(order)
	return upsertOrder(p.db.WithContext(ctx), &rec).Error
}

func upsertOrder(db *gorm.DB, rec *orderRecord) *gorm.DB {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"filled_quantity", "avg_fill_price", "status", "reason", "updated_at"}),
	}).Create(rec)
}

func (p *Postgres) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var rec orderRecord
	err := p.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	o := rec.model()
	return &o, nil
}

func (p *Postgres) SavePosition(ctx context.Context, position models.Position) error {
	rec := toPositionRecord(position)
	return upsertPosition(p.db.WithContext(ctx), &rec).Error
}

func upsertPosition(db *gorm.DB, rec *positionRecord) *gorm.DB {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "base"}, {Name: "quote"}, {Name: "exchange"}},
		UpdateAll: true,
	}).Create(rec)
}

func (p *Postgres) GetPositions(ctx context.Context) ([]models.Position, error) {
	var recs []positionRecord
	err := p.db.WithContext(ctx).
		Where("quantity > ?", 0).
		Order("exchange, base, quote").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.Position, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.model())
	}
	return out, nil
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
