package config // package config loads application configuration from environment variables

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.
type Config struct {
	Env      string // application environment (dev, test, prod)
	Port     string // HTTP port to listen on
	LogLevel string // logrus level name

	DBUser string // database username
	DBPass string // database password (optional)
	DBHost string // database host address
	DBPort string // database port number
	DBName string // database name

	JWTAccessSecret  string        // secret used to sign access tokens
	JWTRefreshSecret string        // secret used to sign refresh tokens
	JWTIssuer        string        // iss claim
	AccessTTL        time.Duration // access token lifetime
	RefreshTTL       time.Duration // refresh token lifetime
	BcryptCost       int           // bcrypt cost for password hashing

	OTPTTL           time.Duration // lifetime of an issued one-time code
	OTPBypassEnabled bool          // accept OTPBypassCode in place of the real code
	OTPBypassCode    string        // fixed code for sandbox environments
	OTPExposeCode    bool          // return the issued code in the send-otp response

	DegradedModeAllowed bool   // fall back to synthetic identities when MySQL is unreachable
	RabbitURL           string // broker for auth events; empty disables publishing
}

// TokenConfig is the slice of Config injected into the token service.
type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

// OTPConfig is the slice of Config injected into the OTP issuer.
type OTPConfig struct {
	TTL           time.Duration
	BypassEnabled bool
	BypassCode    string
}

var sixDigits = regexp.MustCompile(`^[0-9]{6}$`)

// Load reads configuration values from the environment (and a .env file if
// one exists) and validates them.
func Load() (Config, error) {
	_ = godotenv.Load()

	var missing []string
	must := func(key string) string {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg := Config{
		Env:      must("APP_ENV"),
		Port:     must("APP_PORT"),
		LogLevel: envStr("LOG_LEVEL", "info"),

		DBUser: envStr("DB_USER", "root"),
		DBPass: os.Getenv("DB_PASS"),
		DBHost: envStr("DB_HOST", "localhost"),
		DBPort: envStr("DB_PORT", "3306"),
		DBName: envStr("DB_NAME", "estate"),

		JWTAccessSecret: must("JWT_ACCESS_SECRET"),
		JWTIssuer:       envStr("JWT_ISSUER", "estate-auth"),
		AccessTTL:       envDur("ACCESS_TOKEN_TTL", time.Hour),
		RefreshTTL:      envDur("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		BcryptCost:      envInt("BCRYPT_COST", bcrypt.DefaultCost),

		OTPTTL:           envDur("OTP_TTL", 10*time.Minute),
		OTPBypassEnabled: envBool("OTP_BYPASS_ENABLED", false),
		OTPBypassCode:    envStr("OTP_BYPASS_CODE", "123456"),

		DegradedModeAllowed: envBool("DEGRADED_MODE_ALLOWED", false),
		RabbitURL:           os.Getenv("RABBITMQ_URL"),
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required env vars: %s", strings.Join(missing, ", "))
	}
	cfg.JWTRefreshSecret = envStr("JWT_REFRESH_SECRET", cfg.JWTAccessSecret)
	cfg.OTPExposeCode = envBool("OTP_EXPOSE_CODE", !cfg.IsProd())

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IsProd reports whether the service runs in production.
func (c Config) IsProd() bool {
	switch strings.ToLower(c.Env) {
	case "prod", "production":
		return true
	}
	return false
}

// Validate rejects combinations that are unsafe or unusable.
func (c Config) Validate() error {
	var errs []error
	if len(c.JWTAccessSecret) < 16 {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET must be at least 16 bytes"))
	}
	if len(c.JWTRefreshSecret) < 16 {
		errs = append(errs, errors.New("JWT_REFRESH_SECRET must be at least 16 bytes"))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}
	if c.RefreshTTL < c.AccessTTL {
		errs = append(errs, errors.New("REFRESH_TOKEN_TTL must not be shorter than ACCESS_TOKEN_TTL"))
	}
	if c.OTPTTL <= 0 {
		errs = append(errs, errors.New("OTP_TTL must be positive"))
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("BCRYPT_COST must be within [%d, %d]", bcrypt.MinCost, bcrypt.MaxCost))
	}
	if c.OTPBypassEnabled && !sixDigits.MatchString(c.OTPBypassCode) {
		errs = append(errs, errors.New("OTP_BYPASS_CODE must be 6 digits"))
	}
	if c.IsProd() {
		if c.OTPBypassEnabled {
			errs = append(errs, errors.New("OTP_BYPASS_ENABLED is not allowed in prod"))
		}
		if c.OTPExposeCode {
			errs = append(errs, errors.New("OTP_EXPOSE_CODE is not allowed in prod"))
		}
		if c.DegradedModeAllowed {
			errs = append(errs, errors.New("DEGRADED_MODE_ALLOWED is not allowed in prod"))
		}
	}
	return errors.Join(errs...)
}

// Tokens projects the signing configuration.
func (c Config) Tokens() TokenConfig {
	return TokenConfig{
		AccessSecret:  c.JWTAccessSecret,
		RefreshSecret: c.JWTRefreshSecret,
		AccessTTL:     c.AccessTTL,
		RefreshTTL:    c.RefreshTTL,
		Issuer:        c.JWTIssuer,
	}
}

// OTP projects the one-time code configuration.
func (c Config) OTP() OTPConfig {
	return OTPConfig{TTL: c.OTPTTL, BypassEnabled: c.OTPBypassEnabled, BypassCode: c.OTPBypassCode}
}

func envStr(k, d string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(k))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}
