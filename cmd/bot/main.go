package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/you/tg-dubber/internal/config"
	"github.com/you/tg-dubber/internal/jobs"
	"github.com/you/tg-dubber/internal/ledger"
	"github.com/you/tg-dubber/internal/logx"
)

// --- In-memory album aggregator (2s debounce) ---

type groupState struct {
	chatID  int64
	sources []string
	timer   *time.Timer
}

type server struct {
	cfg     config.Config
	profile config.Profile
	bot     *tgbotapi.BotAPI
	asynq   *asynq.Client
	http    *http.Client
	ledger  *ledger.Ledger

	gmu    sync.Mutex
	groups map[string]*groupState // key: userID:mediaGroupID
}

func main() {
	_ = godotenv.Load()
	c := config.Load()

	logx.Setup(logx.FromEnv("bot"))
	log.Info().Msg("bot starting")

	if c.BotToken == "" {
		log.Fatal().Msg("BOT_TOKEN is required")
	}
	prof, err := config.LoadProfile(c.ProfileFile)
	if err != nil {
		log.Fatal().Err(err).Msg("profile")
	}

	// health endpoint
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
		log.Info().Str("addr", c.BotHealthAddr).Msg("bot health listening")
		if err := http.ListenAndServe(c.BotHealthAddr, mux); err != nil {
			log.Error().Err(err).Msg("health server stopped")
		}
	}()

	bot, err := tgbotapi.NewBotAPI(c.BotToken)
	if err != nil {
		log.Fatal().Err(err).Msg("telegram auth")
	}
	bot.Debug = false
	log.Info().Str("username", bot.Self.UserName).Msg("bot authorized")

	redisOpt := asynq.RedisClientOpt{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
	rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
	defer rdb.Close()
	asClient := asynq.NewClient(redisOpt)
	defer asClient.Close()

	s := &server{
		cfg:     c,
		profile: prof,
		bot:     bot,
		asynq:   asClient,
		http:    &http.Client{Timeout: 5 * time.Second},
		ledger:  ledger.New(rdb),
		groups:  make(map[string]*groupState),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			log.Info().Msg("bot stopped")
			return
		case upd := <-updates:
			if upd.Message != nil {
				s.onMessage(ctx, upd.Message)
			}
		}
	}
}

// --- Handlers ---

func (s *server) onMessage(ctx context.Context, m *tgbotapi.Message) {
	if m.From == nil {
		return
	}
	log.Info().
		Int64("chat_id", m.Chat.ID).
		Int64("user_id", m.From.ID).
		Msg("message received")

	if m.IsCommand() {
		switch m.Command() {
		case "start", "help":
			msg := "ส่งลิงก์วิดีโอ (เช่น Xiaohongshu) หรืออัปโหลดวิดีโอมาได้เลย ระบบจะพากย์เสียงไทยให้อัตโนมัติ"
			if s.cfg.DailyMax > 0 {
				msg += fmt.Sprintf("\nโควต้าวันนี้เหลือ %d/%d คลิป", s.ledger.Remaining(ctx, m.From.ID, s.cfg.DailyMax), s.cfg.DailyMax)
			}
			s.reply(m.Chat.ID, msg)
		case "status":
			s.reply(m.Chat.ID, s.statusText(ctx, m.Chat.ID))
		case "queue":
			h, err := workerHealth(ctx, s.http, s.cfg.WorkerURL)
			if err != nil {
				log.Warn().Err(err).Msg("worker health")
			}
			s.reply(m.Chat.ID, queueText(h, err))
		default:
			s.reply(m.Chat.ID, "ไม่รู้จักคำสั่งนี้ ส่งลิงก์วิดีโอมาได้เลย")
		}
		return
	}

	sources := extractSources(m, s.cfg.MaxVideosPerMsg)
	if len(sources) == 0 {
		return
	}

	if m.MediaGroupID != "" {
		s.addToGroup(ctx, m.From.ID, m.MediaGroupID, m.Chat.ID, sources)
		return
	}
	for _, src := range sources {
		s.submit(ctx, m.Chat.ID, m.From.ID, src)
	}
}

// submit books quota, opens the status message the worker will animate and
// enqueues the job.
func (s *server) submit(ctx context.Context, chatID, userID int64, source string) {
	ok, err := s.ledger.Charge(ctx, userID, s.cfg.DailyMax)
	if err != nil {
		log.Error().Err(err).Msg("quota check failed")
		s.reply(chatID, "ระบบขัดข้อง ลองใหม่อีกครั้ง")
		return
	}
	if !ok {
		s.reply(chatID, fmt.Sprintf("❌ ครบโควต้าวันนี้แล้ว (%d คลิป) ลองใหม่พรุ่งนี้", s.cfg.DailyMax))
		return
	}

	status, err := s.bot.Send(tgbotapi.NewMessage(chatID, s.profile.Received))
	if err != nil {
		log.Error().Err(err).Msg("status message failed")
		_ = s.ledger.Refund(ctx, userID)
		return
	}

	b, _ := json.Marshal(jobs.SubmitDubPayload{
		SourceURL:       source,
		ChatID:          chatID,
		StatusMessageID: status.MessageID,
		UserID:          userID,
	})
	info, err := s.asynq.EnqueueContext(ctx, asynq.NewTask(jobs.TaskSubmitDub, b), asynq.MaxRetry(s.cfg.SubmitMaxRetry))
	if err != nil {
		log.Error().Err(err).Msg("asynq enqueue dub:submit failed")
		_ = s.ledger.Refund(ctx, userID)
		_, _ = s.bot.Request(tgbotapi.NewEditMessageText(chatID, status.MessageID, s.profile.Failed+"\n\nQueue error: "+err.Error()))
		return
	}
	log.Info().
		Int64("chat_id", chatID).
		Str("task", info.ID).
		Str("source", source).
		Msg("dub enqueued")
}

func (s *server) statusText(ctx context.Context, chatID int64) string {
	entries, err := s.ledger.Recent(ctx, 50)
	if err != nil {
		return "อ่านสถานะไม่ได้: " + err.Error()
	}
	mine := lo.Filter(entries, func(e ledger.Entry, _ int) bool { return e.ChatID == chatID })
	if len(mine) == 0 {
		return "ยังไม่มีงานล่าสุด"
	}
	if len(mine) > 5 {
		mine = mine[:5]
	}
	lines := lo.Map(mine, func(e ledger.Entry, _ int) string {
		switch e.Status {
		case ledger.StatusDone:
			return "✅ " + e.PublicURL
		case ledger.StatusFailed:
			return "❌ " + clip(e.Error, 80)
		case ledger.StatusRunning:
			return "⏳ " + e.Stage
		}
		return "🕒 " + string(e.Status)
	})
	return strings.Join(lines, "\n")
}

// --- Album aggregation (2s debounce) ---

func (s *server) addToGroup(ctx context.Context, userID int64, mgid string, chatID int64, sources []string) {
	key := fmt.Sprintf("%d:%s", userID, mgid)

	s.gmu.Lock()
	defer s.gmu.Unlock()

	g, ok := s.groups[key]
	if !ok {
		g = &groupState{chatID: chatID}
		s.groups[key] = g
	}
	for _, src := range sources {
		if len(g.sources) < s.cfg.MaxVideosPerMsg {
			g.sources = append(g.sources, src)
		}
	}

	// (Re)start debounce timer
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(2*time.Second, func() {
		s.finalizeGroup(ctx, userID, key)
	})
}

func (s *server) finalizeGroup(ctx context.Context, userID int64, key string) {
	s.gmu.Lock()
	g, ok := s.groups[key]
	if ok {
		delete(s.groups, key)
	}
	s.gmu.Unlock()
	if !ok || len(g.sources) == 0 {
		return
	}

	log.Info().Int("count", len(g.sources)).Msg("album collected")
	for _, src := range lo.Uniq(g.sources) {
		s.submit(ctx, g.chatID, userID, src)
	}
}

func (s *server) reply(chatID int64, text string) {
	if _, err := s.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		log.Debug().Err(err).Msg("reply failed")
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
