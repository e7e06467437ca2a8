package results

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ErrRedisURL marks a history address that cannot be turned into client options.
var ErrRedisURL = errors.New("invalid redis url")

type redisScheme struct {
	sentinel bool
	tls      bool
}

var redisSchemes = map[string]redisScheme{
	"redis":           {},
	"rediss":          {tls: true},
	"redis-sentinel":  {sentinel: true},
	"rediss-sentinel": {sentinel: true, tls: true},
}

// clientOptions accepts a bare host:port, a redis[s]:// URL (comma separated
// hosts select cluster mode, the path or ?db= selects the database) or a
// redis[s]-sentinel:// URL whose path names the master.
func clientOptions(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisURL, err)
	}
	scheme, ok := redisSchemes[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: scheme %q", ErrRedisURL, u.Scheme)
	}

	opts := &redis.UniversalOptions{Addrs: strings.Split(u.Host, ",")}
	if u.User != nil {
		opts.Username = u.User.Username()
		opts.Password, _ = u.User.Password()
	}
	q := u.Query()
	path := strings.Trim(u.Path, "/")
	dbText := q.Get("db")
	if scheme.sentinel {
		opts.MasterName = path
		opts.SentinelUsername = q.Get("sentinel_username")
		opts.SentinelPassword = q.Get("sentinel_password")
	} else if path != "" {
		dbText = path
	}
	if dbText != "" {
		if opts.DB, err = strconv.Atoi(dbText); err != nil {
			return nil, fmt.Errorf("%w: database %q", ErrRedisURL, dbText)
		}
	}
	if scheme.tls {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}
