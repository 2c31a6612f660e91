package telemetry

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/plancton/plancton/pkg/log"
)

// InfluxDB streams samples as line protocol over HTTP. The database is
// created lazily on the first emit and re-created after a failed write.
type InfluxDB struct {
	baseURL  string
	database string
	client   *http.Client
	logger   zerolog.Logger
	created  bool

	// now is swappable in tests
	now func() time.Time
}

// NewInfluxDB parses a "baseurl#database" telemetry URL
func NewInfluxDB(rawurl string) (*InfluxDB, error) {
	base, db, ok := strings.Cut(rawurl, "#")
	if !ok || db == "" {
		return nil, fmt.Errorf("telemetry URL %q does not name a database", rawurl)
	}
	return &InfluxDB{
		baseURL:  base,
		database: db,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   log.WithComponent("telemetry"),
		now:      time.Now,
	}, nil
}

func (s *InfluxDB) createDB() bool {
	q := url.Values{
		"q":  {fmt.Sprintf("CREATE DATABASE %q", s.database)},
		"db": {s.database},
	}
	resp, err := s.client.Get(s.baseURL + "/query?" + q.Encode())
	if err != nil {
		s.logger.Debug().Err(err).Str("database", s.database).Msg("Cannot create telemetry database")
		return false
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.logger.Debug().Int("status", resp.StatusCode).Str("database", s.database).Msg("Cannot create telemetry database")
		return false
	}
	s.created = true
	return true
}

// Emit posts one point; failures are logged at debug and the sample is
// dropped
func (s *InfluxDB) Emit(series string, tags map[string]any, fields map[string]any) {
	if !s.created && !s.createDB() {
		return
	}
	line := s.line(series, tags, fields)
	s.logger.Debug().Str("line", line).Str("database", s.database).Msg("Sending telemetry point")

	resp, err := s.client.Post(
		s.baseURL+"/write?db="+url.QueryEscape(s.database),
		"application/octet-stream",
		strings.NewReader(line),
	)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Error sending telemetry point")
		s.created = false
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.logger.Debug().Int("status", resp.StatusCode).Msg("Error sending telemetry point")
		s.created = false
	}
}

// line renders a point in line protocol with a nanosecond timestamp.
// Keys are sorted so output is deterministic.
func (s *InfluxDB) line(series string, tags map[string]any, fields map[string]any) string {
	var b strings.Builder
	b.WriteString(series)
	for _, k := range sortedKeys(tags) {
		fmt.Fprintf(&b, ",%s=%v", k, tags[k])
	}
	b.WriteByte(' ')
	for i, k := range sortedKeys(fields) {
		if i > 0 {
			b.WriteByte(',')
		}
		switch v := fields[k].(type) {
		case string:
			fmt.Fprintf(&b, "%s=%q", k, v)
		default:
			fmt.Fprintf(&b, "%s=%v", k, v)
		}
	}
	fmt.Fprintf(&b, " %d", s.now().UnixNano())
	return b.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
