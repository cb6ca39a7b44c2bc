package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

/* ---------------------- config & utils ---------------------- */

type Config struct {
	BotToken      string
	HTTPAddr      string
	BotHealthAddr string
	WorkerURL     string
	WorkDir       string

	DailyMax        int // dubs per user per day, 0 = unlimited
	MaxVideosPerMsg int
	SubmitMaxRetry  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	GoogleAPIKey string
	GeminiModel  string
	TTSModel     string
	TTSVoice     string
	CaptionDelay time.Duration // pause between caption calls in a titles backfill

	AudioSampleRate int
	PollAttempts    int
	PollInterval    time.Duration
	MinScriptChars  int

	AnimationInterval time.Duration
	FailureTextMax    int
	EngineStderrMax   int
	MaxQueue          int

	XHSResolverURL   string
	XHSPattern       string
	DownloadReferer  string
	DownloadMaxBytes int64

	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	S3UseSSL      bool
	S3Region      string
	S3Bucket      string
	PublicBaseURL string
	GalleryURL    string

	FFmpegPath  string
	FFprobePath string
	SoxPath     string

	ResolveTimeout  time.Duration
	DownloadTimeout time.Duration
	GenerateTimeout time.Duration
	EngineTimeout   time.Duration
	StorageTimeout  time.Duration

	ProfileFile string
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func mustInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
func mustBool(k string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return def
}
func mustDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Load reads the configuration from the environment. Callers load .env first.
func Load() Config {
	return Config{
		BotToken:      os.Getenv("BOT_TOKEN"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		BotHealthAddr: getenv("BOT_HEALTH_ADDR", ":8081"),
		WorkerURL:     strings.TrimRight(getenv("WORKER_URL", "http://localhost:8080"), "/"),
		WorkDir:       getenv("WORK_DIR", os.TempDir()),

		DailyMax:        mustInt("DAILY_MAX", 20),
		MaxVideosPerMsg: mustInt("MAX_VIDEOS_PER_MSG", 10),
		SubmitMaxRetry:  mustInt("SUBMIT_MAX_RETRY", 5),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       mustInt("REDIS_DB", 0),

		GoogleAPIKey: os.Getenv("GOOGLE_API_KEY"),
		GeminiModel:  getenv("GEMINI_MODEL", "gemini-2.5-flash"),
		TTSModel:     getenv("TTS_MODEL", "gemini-2.5-flash-preview-tts"),
		TTSVoice:     getenv("TTS_VOICE", "Puck"),
		CaptionDelay: mustDuration("CAPTION_DELAY", 3*time.Second),

		AudioSampleRate: mustInt("AUDIO_SAMPLE_RATE", 24000),
		PollAttempts:    mustInt("POLL_ATTEMPTS", 30),
		PollInterval:    mustDuration("POLL_INTERVAL", 2*time.Second),
		MinScriptChars:  mustInt("MIN_SCRIPT_CHARS", 10),

		AnimationInterval: mustDuration("ANIMATION_INTERVAL", 600*time.Millisecond),
		FailureTextMax:    mustInt("FAILURE_TEXT_MAX", 150),
		EngineStderrMax:   mustInt("ENGINE_STDERR_MAX", 200),
		MaxQueue:          mustInt("MAX_QUEUE", 0),

		XHSResolverURL:   strings.TrimRight(getenv("XHS_DL_URL", "http://localhost:5556"), "/"),
		XHSPattern:       getenv("XHS_PATTERN", `xhs|xiaohongshu`),
		DownloadReferer:  getenv("DOWNLOAD_REFERER", "https://www.xiaohongshu.com/"),
		DownloadMaxBytes: int64(mustInt("DOWNLOAD_MAX_MB", 200)) * 1024 * 1024,

		S3Endpoint:    getenv("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:   getenv("S3_ACCESS_KEY", "minio"),
		S3SecretKey:   getenv("S3_SECRET_KEY", "minio123"),
		S3UseSSL:      mustBool("S3_USE_SSL", false),
		S3Region:      os.Getenv("S3_REGION"),
		S3Bucket:      getenv("S3_BUCKET", "dubbing-videos"),
		PublicBaseURL: strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		GalleryURL:    os.Getenv("GALLERY_URL"),

		FFmpegPath:  getenv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath: getenv("FFPROBE_PATH", "ffprobe"),
		SoxPath:     getenv("SOX_PATH", "sox"),

		ResolveTimeout:  mustDuration("RESOLVE_TIMEOUT", 30*time.Second),
		DownloadTimeout: mustDuration("DOWNLOAD_TIMEOUT", 2*time.Minute),
		GenerateTimeout: mustDuration("GENERATE_TIMEOUT", 90*time.Second),
		EngineTimeout:   mustDuration("ENGINE_TIMEOUT", 3*time.Minute),
		StorageTimeout:  mustDuration("STORAGE_TIMEOUT", time.Minute),

		ProfileFile: os.Getenv("PROFILE_FILE"),
	}
}
