// Package config reads the viewer configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type RedisCfg struct {
	Enabled   bool
	Addr      string
	TTL       time.Duration
	OpTimeout time.Duration
	// FillThreshold is the region score from which tiles are written to
	// the store with TTLWarm or TTLHot; 0 stores every tile with TTL.
	FillThreshold float64
	TTLCold       time.Duration
	TTLWarm       time.Duration
	TTLHot        time.Duration
}

type EventsCfg struct {
	Enabled bool
	Brokers []string
	Topic   string
	Queue   int
	// FlushEvery batches producer requests.
	FlushEvery time.Duration
}

// InvalidationCfg shares the brokers of EventsCfg.
type InvalidationCfg struct {
	Enabled       bool
	Topic         string
	GroupID       string
	InitialOldest bool
	MaxDepth      int
}

type FetchCfg struct {
	Workers     int
	Queue       int
	Timeout     time.Duration
	DecodedLRU  int
	L1CacheMB   int
	HotHalfLife time.Duration
	// HotThreshold logs regions whose request score reaches it; 0 disables.
	HotThreshold float64
}

type Config struct {
	Addr        string
	LogLevel    string
	LogConsole  bool
	SurveysFile string
	Survey      string
	Format      string

	Redis        RedisCfg
	Events       EventsCfg
	Invalidation InvalidationCfg
	Fetch        FetchCfg

	AtlasSlotsPerSide  int
	AtlasSlices        int
	FullSkyApertureDeg float64
	BlendDuration      time.Duration
	FrameInterval      time.Duration
	Colormap           string
	ViewWidth          int
	ViewHeight         int

	MetricsEnabled bool
	CORSOrigins    []string
}

func FromEnv() Config {
	workers := getint("FETCH_WORKERS", 8)
	if workers < 1 {
		workers = 1
	}
	side := getint("ATLAS_SLOTS_PER_SIDE", 8)
	if side < 1 {
		side = 8
	}
	slices := getint("ATLAS_SLICES", 3)
	if slices < 1 {
		slices = 3
	}

	return Config{
		Addr:        getenv("ADDR", ":8090"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		LogConsole:  getbool("LOG_CONSOLE", false),
		SurveysFile: getenv("SURVEYS_FILE", "surveys.yaml"),
		Survey:      getenv("SURVEY", ""),
		Format:      getenv("SURVEY_FORMAT", ""),

		Redis: RedisCfg{
			Enabled:   getbool("REDIS_ENABLED", false),
			Addr:      getenv("REDIS_ADDR", "localhost:6379"),
			TTL:       getduration("TILE_TTL", 24*time.Hour),
			OpTimeout: getduration("REDIS_OP_TIMEOUT", 250*time.Millisecond),

			FillThreshold: getfloat("FILL_THRESHOLD", 0),
			TTLCold:       getduration("TTL_COLD", 0),
			TTLWarm:       getduration("TTL_WARM", 0),
			TTLHot:        getduration("TTL_HOT", 0),
		},
		Events: EventsCfg{
			Enabled: getbool("EVENTS_ENABLED", false),
			Brokers: splitList(getenv("KAFKA_BROKERS", "localhost:9092")),
			Topic:   getenv("KAFKA_TOPIC", "hips-tile-events"),
			Queue:   getint("EVENTS_QUEUE", 1024),

			FlushEvery: getduration("EVENTS_FLUSH_EVERY", 500*time.Millisecond),
		},
		Invalidation: InvalidationCfg{
			Enabled:       getbool("INVALIDATION_ENABLED", false),
			Topic:         getenv("INVALIDATION_TOPIC", "hips-survey-updates"),
			GroupID:       getenv("KAFKA_GROUP_ID", "hipsview"),
			InitialOldest: getbool("INVALIDATION_FROM_OLDEST", false),
			MaxDepth:      min(max(getint("INVALIDATION_MAX_DEPTH", 12), 0), 29),
		},
		Fetch: FetchCfg{
			Workers:      workers,
			Queue:        getint("FETCH_QUEUE", 256),
			Timeout:      getduration("FETCH_TIMEOUT", 10*time.Second),
			DecodedLRU:   getint("DECODED_LRU_SIZE", 256),
			L1CacheMB:    getint("L1_CACHE_MB", 64),
			HotHalfLife:  getduration("HOT_HALF_LIFE", time.Minute),
			HotThreshold: getfloat("HOT_THRESHOLD", 0),
		},

		AtlasSlotsPerSide:  side,
		AtlasSlices:        slices,
		FullSkyApertureDeg: getfloat("FULLSKY_APERTURE_DEG", 110),
		BlendDuration:      getduration("BLEND_DURATION", 500*time.Millisecond),
		FrameInterval:      getduration("FRAME_INTERVAL", 16*time.Millisecond),
		Colormap:           getenv("COLORMAP", ""),
		ViewWidth:          max(getint("VIEW_WIDTH", 1024), 1),
		ViewHeight:         max(getint("VIEW_HEIGHT", 768), 1),

		MetricsEnabled: getbool("METRICS_ENABLED", true),
		CORSOrigins:    splitList(getenv("CORS_ORIGINS", "")),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parse "host1:9092, host2:9092" into a list
func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
