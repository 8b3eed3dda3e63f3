package aichat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	defaultRecentCompletionsLimit = 25
	maxRecentCompletionsLimit     = 500
)

var (
	sqliteExecPragma = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix millisecond timestamps
// for creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// InteractionLog records each interaction received over the gateway or
// the webhook server.
type InteractionLog struct {
	ModelUintID
	Method        InteractionReceiveMethod `json:"method" gorm:"type:string"`
	InteractionID string                   `json:"interaction_id" gorm:"not null"`
	Type          string                   `json:"type" gorm:"type:string"`
	UserID        string                   `json:"user_id" gorm:"not null"`
	Username      string                   `json:"username" gorm:"type:string"`
	AppID         string                   `json:"application_id" gorm:"type:string"`
	GuildID       string                   `json:"guild_id" gorm:"type:string"`
	ChannelID     string                   `json:"channel_id" gorm:"type:string"`
	Context       string                   `json:"context" gorm:"type:string"`
	Locale        string                   `json:"locale" gorm:"type:string"`
	CreatedAt     int64                    `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

// DiscordMessage records each mention that reached the request pipeline.
type DiscordMessage struct {
	ModelUintID
	ModelUnixTime
	MessageID           string `json:"message_id" gorm:"index"`
	Content             string `json:"content"`
	ChannelID           string `json:"channel_id"`
	GuildID             string `json:"guild_id"`
	UserID              string `json:"user_id"`
	Username            string `json:"username"`
	GlobalName          string `json:"global_name"`
	ReferencedMessageID string `json:"referenced_message_id"`
}

// CompletionLog records a single provider call, successful or not.
//
//nolint:lll // struct tags can't be split
type CompletionLog struct {
	ModelUintID
	ModelUnixTime

	RunID    string `json:"run_id" gorm:"index"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	CallerID string `json:"caller_id" gorm:"index"`

	RequestStarted int64 `json:"request_started"`
	RequestEnded   int64 `json:"request_ended"`
	DurationMillis int64 `json:"duration_ms"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	RequestBody  string `json:"request_body" gorm:"type:string"`
	ResponseBody string `json:"response_body" gorm:"type:string"`
	Error        string `json:"error,omitempty" gorm:"type:string"`
}

func newDiscordMessage(m *discordgo.Message) *DiscordMessage {
	dm := &DiscordMessage{
		MessageID: m.ID,
		Content:   m.Content,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
	}

	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	if user != nil {
		dm.UserID = user.ID
		dm.Username = user.Username
		dm.GlobalName = user.GlobalName
	}

	if m.MessageReference != nil {
		dm.ReferencedMessageID = m.MessageReference.MessageID
	} else if m.ReferencedMessage != nil {
		dm.ReferencedMessageID = m.ReferencedMessage.ID
	}
	return dm
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	method InteractionReceiveMethod,
) *InteractionLog {
	il := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		AppID:         i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Context:       fmt.Sprint(i.Context),
		Locale:        string(i.Locale),
		Method:        method,
	}
	if u != nil {
		il.UserID = u.ID
		il.Username = u.String()
	}
	return il
}

func newCompletionLog(
	ctx context.Context,
	req CompletionRequest,
	result CompletionResult,
	started time.Time,
) *CompletionLog {
	ended := started.Add(result.Duration)
	entry := &CompletionLog{
		RunID:            contextRunID(ctx),
		Provider:         result.Provider,
		Model:            result.Model,
		CallerID:         req.CallerID,
		RequestStarted:   started.UnixMilli(),
		RequestEnded:     ended.UnixMilli(),
		DurationMillis:   result.Duration.Milliseconds(),
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		TotalTokens:      result.Usage.TotalTokens,
		RequestBody:      result.requestBody,
		ResponseBody:     result.responseBody,
	}
	if result.Err != nil {
		entry.Error = result.Err.Error()
	}
	return entry
}

// DBI is the bot's view of the audit database. Rows are only ever
// written by the bot itself; reads serve the admin API.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any) (rowsAffected int64, err error)
	RecentCompletions(ctx context.Context, limit int) ([]CompletionLog, error)
}

// database wraps a gorm connection. SQLite only permits one writer at a
// time, so unless enableConcurrentWrites is set, writes are serialized.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase wraps db for use by the bot. If log is nil, the default
// logger is used.
func NewDatabase(db *gorm.DB, log *slog.Logger, enableConcurrentWrites bool) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Create(ctx context.Context, value any) (int64, error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	rv := d.db.WithContext(ctx).Create(value)
	return rv.RowsAffected, rv.Error
}

// RecentCompletions returns up to limit CompletionLog rows, newest first.
func (d *database) RecentCompletions(ctx context.Context, limit int) ([]CompletionLog, error) {
	switch {
	case limit <= 0:
		limit = defaultRecentCompletionsLimit
	case limit > maxRecentCompletionsLimit:
		limit = maxRecentCompletionsLimit
	}
	var rows []CompletionLog
	err := d.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&rows).Error
	return rows, err
}

func (d *database) recordCompletion(ctx context.Context, entry *CompletionLog) {
	// the run may have been cancelled, the audit row should still land
	ctx = context.WithoutCancel(ctx)
	if _, err := d.Create(ctx, entry); err != nil {
		d.logger.ErrorContext(
			ctx,
			"error saving completion log",
			tint.Err(err),
			"run_id", entry.RunID,
		)
	}
}

// writeAsync saves value in the background. Callers wait on wg before
// returning so the write isn't lost on shutdown.
func writeAsync(ctx context.Context, wg *sync.WaitGroup, db DBI, logger *slog.Logger, value any) {
	if db == nil {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := db.Create(context.WithoutCancel(ctx), value); err != nil {
			logger.ErrorContext(ctx, "error saving record", tint.Err(err), "type", fmt.Sprintf("%T", value))
		}
	}()
}

// CreateDB opens the database and migrates the audit schema.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	dbLogger := slog.New(handler).With(loggerNameKey, "database")
	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
		"database", database,
	)

	db, err := getDB(databaseType, database, newGORMLogger(handler, slowThreshold))
	if err != nil {
		return nil, err
	}

	if databaseType == dbTypeSQLite {
		for _, pragma := range sqliteExecPragma {
			if err = db.WithContext(ctx).Exec(pragma).Error; err != nil {
				return db, fmt.Errorf("error executing %q: %w", pragma, err)
			}
		}
	}

	err = db.WithContext(ctx).AutoMigrate(
		&InteractionLog{},
		&DiscordMessage{},
		&CompletionLog{},
	)
	if err != nil {
		return db, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}

// getDB opens a gorm connection for the given database type, which must
// be 'sqlite' or 'postgres'.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
