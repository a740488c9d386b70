package main

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mosquitone/setlist-studio-sub001/internal/auth"
	"github.com/mosquitone/setlist-studio-sub001/internal/email"
	"github.com/mosquitone/setlist-studio-sub001/internal/email/postmark"
	"github.com/mosquitone/setlist-studio-sub001/internal/krypto"
)

// httpConfig is the configuration for the HTTP server.
type httpConfig struct {
	addr            string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	idleTimeout     time.Duration
	shutdownTimeout time.Duration
	secureCookie    bool
	ipSalt          krypto.Key
}

// dbConfig is the configuration for the SQLite database.
type dbConfig struct {
	file           string
	migrate        bool
	encryptionKeys []krypto.Key
	blindIndexKey  krypto.Key
}

// authConfig is the configuration for the auth service.
type authConfig struct {
	service       auth.ServiceConfig
	sweepInterval time.Duration
}

// sessionConfig is the configuration for the JWT sessions.
type sessionConfig struct {
	secret krypto.Secret
	ttl    time.Duration
}

// threatConfig is the configuration for rate limiting and threat analysis.
type threatConfig struct {
	redisAddr     string
	loginMax      int
	loginWindow   time.Duration
	resendBase    time.Duration
	resendMax     time.Duration
	resendReset   time.Duration
	cacheSize     int
	cacheTTL      time.Duration
	analyzeWindow time.Duration
}

// emailConfig is the configuration for outgoing email.
type emailConfig struct {
	driver   string
	from     email.Address
	postmark postmark.Settings
}

// config is the configuration for the server command.
type config struct {
	http    httpConfig
	db      dbConfig
	auth    authConfig
	session sessionConfig
	threat  threatConfig
	email   emailConfig
}

// defaultConfig returns a config with sane default values.
func defaultConfig() config {
	return config{
		http: httpConfig{
			addr:            ":8888",
			readTimeout:     time.Second * 5,
			writeTimeout:    time.Second * 10,
			idleTimeout:     time.Second * 120,
			shutdownTimeout: time.Second * 15,
			secureCookie:    true,
		},
		db: dbConfig{
			file:    "setlist-studio.db",
			migrate: true,
		},
		auth: authConfig{
			service: auth.ServiceConfig{
				WorkerTimeout:    time.Second * 10,
				VerificationTTL:  time.Hour * 24,
				PasswordResetTTL: time.Hour,
				EmailChangeTTL:   time.Hour,
				LedgerRetention:  time.Hour * 24 * 90,
				BaseURL:          "http://localhost:8888",
			},
			sweepInterval: time.Hour,
		},
		session: sessionConfig{
			ttl: time.Hour * 24,
		},
		threat: threatConfig{
			redisAddr:     "localhost:6379",
			loginMax:      5,
			loginWindow:   time.Minute,
			resendBase:    time.Minute,
			resendMax:     time.Minute * 5,
			resendReset:   time.Hour,
			cacheSize:     1024,
			cacheTTL:      time.Minute * 5,
			analyzeWindow: time.Hour,
		},
		email: emailConfig{
			driver: "log",
			postmark: postmark.Settings{
				APIURL:        must(url.Parse("https://api.postmarkapp.com")),
				MessageStream: "outbound",
			},
		},
	}
}

// requiredEnvKeys are environment variables without a usable default. The
// command refuses to start when one is missing.
var requiredEnvKeys = []string{
	"HTTP_IP_SALT",
	"DB_ENCRYPTION_KEYS",
	"DB_BLIND_INDEX_KEY",
	"SESSION_SECRET",
	"EMAIL_FROM",
}

// envMap maps environment variable names to fields in the config struct.
var envMap = map[string]func(v string, c *config) error{
	"HTTP_ADDR": func(v string, c *config) error {
		c.http.addr = v
		return nil
	},
	"HTTP_READ_TIMEOUT": func(v string, c *config) error {
		return confDuration(v, &c.http.readTimeout, 0, math.MaxInt64)
	},
	"HTTP_WRITE_TIMEOUT": func(v string, c *config) error {
		return confDuration(v, &c.http.writeTimeout, 0, math.MaxInt64)
	},
	"HTTP_IDLE_TIMEOUT": func(v string, c *config) error {
		return confDuration(v, &c.http.idleTimeout, 0, math.MaxInt64)
	},
	"HTTP_SHUTDOWN_TIMEOUT": func(v string, c *config) error {
		return confDuration(v, &c.http.shutdownTimeout, 0, math.MaxInt64)
	},
	"HTTP_SECURE_COOKIE": func(v string, c *config) error {
		return confBool(v, &c.http.secureCookie)
	},
	"HTTP_IP_SALT": func(v string, c *config) error {
		return confKey(v, &c.http.ipSalt)
	},
	"BASE_URL": func(v string, c *config) error {
		u, err := url.Parse(v)
		if err != nil {
			return err
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("URL %q is missing a scheme or host", v)
		}
		c.auth.service.BaseURL = strings.TrimSuffix(u.String(), "/")
		return nil
	},
	"DB_FILENAME": func(v string, c *config) error {
		if v == "" {
			return errors.New("filename can't be empty")
		}
		c.db.file = v
		return nil
	},
	"DB_MIGRATE": func(v string, c *config) error {
		return confBool(v, &c.db.migrate)
	},
	"DB_ENCRYPTION_KEYS": func(v string, c *config) error {
		return confKeys(v, &c.db.encryptionKeys)
	},
	"DB_BLIND_INDEX_KEY": func(v string, c *config) error {
		return confKey(v, &c.db.blindIndexKey)
	},
	"AUTH_WORKER_TIMEOUT": func(v string, c *config) error {
		return confDuration(v, &c.auth.service.WorkerTimeout, 0, math.MaxInt64)
	},
	"AUTH_VERIFICATION_TTL": func(v string, c *config) error {
		return confDuration(v, &c.auth.service.VerificationTTL, 0, math.MaxInt64)
	},
	"AUTH_PASSWORD_RESET_TTL": func(v string, c *config) error {
		return confDuration(v, &c.auth.service.PasswordResetTTL, 0, math.MaxInt64)
	},
	"AUTH_EMAIL_CHANGE_TTL": func(v string, c *config) error {
		return confDuration(v, &c.auth.service.EmailChangeTTL, 0, math.MaxInt64)
	},
	"AUTH_LEDGER_RETENTION": func(v string, c *config) error {
		return confDuration(v, &c.auth.service.LedgerRetention, 0, math.MaxInt64)
	},
	"AUTH_SWEEP_INTERVAL": func(v string, c *config) error {
		return confDuration(v, &c.auth.sweepInterval, time.Minute, math.MaxInt64)
	},
	"SESSION_SECRET": func(v string, c *config) error {
		if v == "" {
			return errors.New("secret can't be empty")
		}
		c.session.secret = krypto.NewSecret(v)
		return nil
	},
	"SESSION_TTL": func(v string, c *config) error {
		return confDuration(v, &c.session.ttl, time.Minute, math.MaxInt64)
	},
	"REDIS_ADDR": func(v string, c *config) error {
		c.threat.redisAddr = v
		return nil
	},
	"LOGIN_RATE_MAX": func(v string, c *config) error {
		return confInt(v, &c.threat.loginMax, 1, math.MaxInt)
	},
	"LOGIN_RATE_WINDOW": func(v string, c *config) error {
		return confDuration(v, &c.threat.loginWindow, time.Second, math.MaxInt64)
	},
	"RESEND_COOLDOWN_BASE": func(v string, c *config) error {
		return confDuration(v, &c.threat.resendBase, time.Second, math.MaxInt64)
	},
	"RESEND_COOLDOWN_MAX": func(v string, c *config) error {
		return confDuration(v, &c.threat.resendMax, time.Second, math.MaxInt64)
	},
	"RESEND_COOLDOWN_RESET": func(v string, c *config) error {
		return confDuration(v, &c.threat.resendReset, time.Second, math.MaxInt64)
	},
	"THREAT_CACHE_SIZE": func(v string, c *config) error {
		return confInt(v, &c.threat.cacheSize, 1, math.MaxInt)
	},
	"THREAT_CACHE_TTL": func(v string, c *config) error {
		return confDuration(v, &c.threat.cacheTTL, time.Second, math.MaxInt64)
	},
	"THREAT_WINDOW": func(v string, c *config) error {
		return confDuration(v, &c.threat.analyzeWindow, time.Minute, math.MaxInt64)
	},
	"EMAIL_DRIVER": func(v string, c *config) error {
		if v != "log" && v != "postmark" {
			return fmt.Errorf("unknown email driver %q", v)
		}
		c.email.driver = v
		return nil
	},
	"EMAIL_FROM": func(v string, c *config) error {
		addr, err := email.ParseAddress(v)
		if err != nil {
			return err
		}
		c.email.from = addr
		return nil
	},
	"POSTMARK_API_URL": func(v string, c *config) error {
		u, err := url.Parse(v)
		if err != nil {
			return err
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("URL %q is missing a scheme or host", v)
		}
		c.email.postmark.APIURL = u
		return nil
	},
	"POSTMARK_MESSAGE_STREAM": func(v string, c *config) error {
		c.email.postmark.MessageStream = v
		return nil
	},
	"POSTMARK_SERVER_TOKEN": func(v string, c *config) error {
		c.email.postmark.ServerToken = krypto.NewSecret(v)
		return nil
	},
}

// configFromEnv returns a config with values from the environment. It falls
// back to default values for any missing environment variables.
//
// It does a best effort to validate provided values, so that mistakes are
// caught ASAP. However, there is no guarantee that the returned config
// is valid and will work.
func configFromEnv() (config, error) {
	c := defaultConfig()

	var errs []error

	for _, key := range requiredEnvKeys {
		if _, ok := os.LookupEnv(key); !ok {
			errs = append(errs, fmt.Errorf("missing required env variable %s", key))
		}
	}

	for key, mf := range envMap {
		if val, ok := os.LookupEnv(key); ok {
			if err := mf(val, &c); err != nil {
				errs = append(errs, fmt.Errorf("invalid env variable %s: %w", key, err))
			}
		}
	}

	return c, errors.Join(errs...)
}

// confDuration attempts to parse v into tgt and checks if the result is in
// the provided range (inclusive).
func confDuration(v string, tgt *time.Duration, min, max time.Duration) error {
	dur, err := time.ParseDuration(v)
	if err != nil {
		return err
	}

	if dur < min || dur > max {
		return fmt.Errorf("duration %s not in range [%s, %s] (inclusive)", dur, min, max)
	}

	*tgt = dur

	return nil
}

// confInt attempts to parse v into tgt and checks if the result is in the
// provided range (inclusive).
func confInt(v string, tgt *int, min, max int) error {
	i, err := strconv.Atoi(v)
	if err != nil {
		return err
	}

	if i < min || i > max {
		return fmt.Errorf("int %d not in range [%d, %d] (inclusive)", i, min, max)
	}

	*tgt = i

	return nil
}

func confBool(v string, tgt *bool) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}

	*tgt = b

	return nil
}

func confKey(v string, tgt *krypto.Key) error {
	key, err := krypto.ParseKey(v)
	if err != nil {
		return err
	}

	*tgt = key

	return nil
}

// confKeys parses a comma separated list of hex encoded keys. At least one
// key is required, the last key is used to encrypt new values.
func confKeys(v string, tgt *[]krypto.Key) error {
	parts := strings.Split(v, ",")

	keys := make([]krypto.Key, 0, len(parts))
	for _, part := range parts {
		key, err := krypto.ParseKey(part)
		if err != nil {
			return err
		}
		keys = append(keys, key)
	}

	if len(keys) == 0 {
		return errors.New("at least one key is required")
	}

	*tgt = keys

	return nil
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
