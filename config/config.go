package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"coldreach/delivery"
	"coldreach/models"
	"coldreach/replies"
	"coldreach/scheduler"
	"coldreach/utils"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type SMTPConfig struct {
	Host       string        `json:"host"`
	Port       int           `json:"port"`
	Username   string        `json:"username"`
	Password   string        `json:"-"`
	UseTLS     bool          `json:"use_tls"`
	StartTLS   bool          `json:"start_tls"`
	FromEmail  string        `json:"from_email"`
	FromName   string        `json:"from_name"`
	ReplyTo    string        `json:"reply_to"`
	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"max_retries"`
}

type IMAPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
	UseSSL   bool   `json:"use_ssl"`
	Mailbox  string `json:"mailbox"`
}

// Configured reports whether the reply mailbox can be polled at all.
func (c IMAPConfig) Configured() bool {
	return c.Host != "" && c.Username != "" && c.Password != ""
}

type SendingConfig struct {
	DailyLimit    int           `json:"daily_limit"`
	MinDelay      time.Duration `json:"min_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BatchDelay    time.Duration `json:"batch_delay"`
	Timezone      string        `json:"timezone"`
	BusinessStart string        `json:"business_start"`
	BusinessEnd   string        `json:"business_end"`
	BusinessDays  string        `json:"business_days"`
}

type WorkerConfig struct {
	Enabled         bool          `json:"enabled"`
	SendInterval    time.Duration `json:"send_interval"`
	ReplyCheckCron  string        `json:"reply_check_cron"`
	ReplyCheckLimit int           `json:"reply_check_limit"`
}

type AuthConfig struct {
	JWTSecret         string        `json:"-"`
	AdminPasswordHash string        `json:"-"`
	TokenTTL          time.Duration `json:"token_ttl"`
	LoginRateLimit    int           `json:"login_rate_limit"`
}

type Config struct {
	Environment     string        `json:"environment"`
	ServerPort      string        `json:"server_port"`
	DBHost          string        `json:"db_host"`
	DBPort          string        `json:"db_port"`
	DBUser          string        `json:"db_user"`
	DBPassword      string        `json:"-"`
	DBName          string        `json:"db_name"`
	DBSSLMode       string        `json:"db_ssl_mode"`
	DBMaxIdleConns  int           `json:"db_max_idle_conns"`
	DBMaxOpenConns  int           `json:"db_max_open_conns"`
	Redis           RedisConfig   `json:"redis"`
	SMTP            SMTPConfig    `json:"smtp"`
	IMAP            IMAPConfig    `json:"imap"`
	TrackingBaseURL string        `json:"tracking_base_url"`
	Sending         SendingConfig `json:"sending"`
	Workers         WorkerConfig  `json:"workers"`
	Auth            AuthConfig    `json:"-"`
	SentryDSN       string        `json:"-"`
	AllowedOrigins  []string      `json:"allowed_origins"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	cfg, err := loadFromEnv()
	if err != nil {
		return err
	}
	AppConfig = cfg
	logConfig()
	return nil
}

func loadFromEnv() (Config, error) {
	cfg := Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "8000"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "coldreach"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 50),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		SMTP: SMTPConfig{
			Host:       getEnv("SMTP_HOST", "localhost"),
			Port:       getEnvAsInt("SMTP_PORT", 25),
			Username:   getEnv("SMTP_USERNAME", ""),
			Password:   getEnv("SMTP_PASSWORD", ""),
			UseTLS:     getEnvAsBool("SMTP_USE_TLS", false),
			StartTLS:   getEnvAsBool("SMTP_START_TLS", true),
			FromEmail:  getEnv("SMTP_FROM_EMAIL", "noreply@example.com"),
			FromName:   getEnv("SMTP_FROM_NAME", ""),
			ReplyTo:    getEnv("SMTP_REPLY_TO", ""),
			Timeout:    getEnvAsSeconds("SMTP_TIMEOUT_SECONDS", 30),
			MaxRetries: getEnvAsInt("SMTP_MAX_RETRIES", 2),
		},
		IMAP: IMAPConfig{
			Host:     getEnv("IMAP_HOST", "localhost"),
			Username: getEnv("IMAP_USERNAME", ""),
			Password: getEnv("IMAP_PASSWORD", ""),
			UseSSL:   getEnvAsBool("IMAP_USE_SSL", true),
			Mailbox:  getEnv("IMAP_MAILBOX", "INBOX"),
		},
		TrackingBaseURL: strings.TrimRight(getEnv("TRACKING_BASE_URL", "http://localhost:8000"), "/"),
		Sending: SendingConfig{
			DailyLimit:    getEnvAsInt("DAILY_SEND_LIMIT", 50),
			MinDelay:      getEnvAsSeconds("MIN_DELAY_SECONDS", 120),
			MaxDelay:      getEnvAsSeconds("MAX_DELAY_SECONDS", 300),
			BatchDelay:    getEnvAsSeconds("BATCH_DELAY_SECONDS", 60),
			Timezone:      getEnv("BUSINESS_TIMEZONE", "Europe/Amsterdam"),
			BusinessStart: getEnv("BUSINESS_START", "09:00"),
			BusinessEnd:   getEnv("BUSINESS_END", "17:00"),
			BusinessDays:  getEnv("BUSINESS_DAYS", "1,2,3,4,5"),
		},
		Workers: WorkerConfig{
			Enabled:         getEnvAsBool("WORKERS_ENABLED", true),
			SendInterval:    getEnvAsSeconds("SEND_INTERVAL_SECONDS", 60),
			ReplyCheckCron:  getEnv("REPLY_CHECK_CRON", "*/5 * * * *"),
			ReplyCheckLimit: getEnvAsInt("REPLY_CHECK_LIMIT", 100),
		},
		Auth: AuthConfig{
			JWTSecret:         getEnv("JWT_SECRET", ""),
			AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
			TokenTTL:          time.Duration(getEnvAsInt("TOKEN_TTL_MINUTES", 60)) * time.Minute,
			LoginRateLimit:    getEnvAsInt("LOGIN_RATE_LIMIT", 5),
		},
		SentryDSN:      getEnv("SENTRY_DSN", ""),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
	}

	defaultIMAPPort := 993
	if !cfg.IMAP.UseSSL {
		defaultIMAPPort = 143
	}
	cfg.IMAP.Port = getEnvAsInt("IMAP_PORT", defaultIMAPPort)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required values and the consistency of the sending window.
func (c *Config) Validate() error {
	if c.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.Auth.JWTSecret == "" {
		if c.Environment == "production" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		log.Warn("⚠️ JWT_SECRET not set, using an insecure development secret")
		c.Auth.JWTSecret = "development-only-secret"
	}
	if c.Sending.DailyLimit <= 0 {
		return fmt.Errorf("DAILY_SEND_LIMIT must be positive")
	}
	if c.Sending.MinDelay > c.Sending.MaxDelay {
		return fmt.Errorf("MIN_DELAY_SECONDS must not exceed MAX_DELAY_SECONDS")
	}
	if _, err := c.Sending.Scheduler(); err != nil {
		return err
	}
	return nil
}

// Scheduler converts the sending settings into a scheduler configuration.
func (s SendingConfig) Scheduler() (scheduler.Config, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("invalid BUSINESS_TIMEZONE %q: %w", s.Timezone, err)
	}
	start, err := parseClock(s.BusinessStart)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("invalid BUSINESS_START: %w", err)
	}
	end, err := parseClock(s.BusinessEnd)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("invalid BUSINESS_END: %w", err)
	}
	if start >= end {
		return scheduler.Config{}, fmt.Errorf("BUSINESS_START must be before BUSINESS_END")
	}
	days, err := parseWeekdays(s.BusinessDays)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("invalid BUSINESS_DAYS: %w", err)
	}

	cfg := scheduler.DefaultConfig()
	cfg.DailyLimit = s.DailyLimit
	cfg.MinDelay = s.MinDelay
	cfg.MaxDelay = s.MaxDelay
	cfg.Location = loc
	cfg.WindowStart = start
	cfg.WindowEnd = end
	cfg.Days = days
	return cfg, nil
}

// SchedulerConfig is Sending.Scheduler for an already validated configuration.
func (c Config) SchedulerConfig() scheduler.Config {
	cfg, err := c.Sending.Scheduler()
	if err != nil {
		log.WithError(err).Warn("invalid sending window, using defaults")
		return scheduler.DefaultConfig()
	}
	return cfg
}

func (c Config) DeliveryConfig() delivery.Config {
	return delivery.Config{
		TrackingBaseURL: c.TrackingBaseURL,
		BatchDelay:      c.Sending.BatchDelay,
	}
}

func (c Config) SMTPSettings() utils.SMTPSettings {
	return utils.SMTPSettings{
		Host:       c.SMTP.Host,
		Port:       c.SMTP.Port,
		Username:   c.SMTP.Username,
		Password:   c.SMTP.Password,
		UseTLS:     c.SMTP.UseTLS,
		StartTLS:   c.SMTP.StartTLS,
		FromEmail:  c.SMTP.FromEmail,
		FromName:   c.SMTP.FromName,
		ReplyTo:    c.SMTP.ReplyTo,
		Timeout:    c.SMTP.Timeout,
		MaxRetries: c.SMTP.MaxRetries,
	}
}

func (c Config) IMAPSettings() replies.IMAPSettings {
	return replies.IMAPSettings{
		Host:     c.IMAP.Host,
		Port:     c.IMAP.Port,
		Username: c.IMAP.Username,
		Password: c.IMAP.Password,
		UseSSL:   c.IMAP.UseSSL,
		Folder:   c.IMAP.Mailbox,
		Timeout:  c.SMTP.Timeout,
	}
}

func ConnectDB() error {
	log.Info("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Info("Using connection string: ", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Info("✅ Successfully connected to the database")
	log.Info("🔄 Starting database migration...")
	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Info("✅ Database migration completed")
	return nil
}

func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Contact{},
		&models.Message{},
		&models.EngagementEvent{},
	)
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Warnf("⚠️ Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvAsInt(key, fallback)) * time.Second
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseClock turns "HH:MM" into an offset from midnight.
func parseClock(s string) (time.Duration, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("out of range clock value %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// parseWeekdays reads ISO weekday numbers, Monday=1 through Sunday=7.
func parseWeekdays(s string) ([]time.Weekday, error) {
	var days []time.Weekday
	for _, part := range splitList(s) {
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 || n > 7 {
			return nil, fmt.Errorf("invalid weekday %q", part)
		}
		days = append(days, time.Weekday(n%7))
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("at least one business day is required")
	}
	return days, nil
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.WithFields(log.Fields{
		"environment":  AppConfig.Environment,
		"server_port":  AppConfig.ServerPort,
		"database":     fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"smtp":         fmt.Sprintf("%s:%d", AppConfig.SMTP.Host, AppConfig.SMTP.Port),
		"imap_enabled": AppConfig.IMAP.Configured(),
		"daily_limit":  AppConfig.Sending.DailyLimit,
		"timezone":     AppConfig.Sending.Timezone,
		"redis":        AppConfig.Redis.Enabled,
	}).Info("🔧 Loaded configuration")
}
