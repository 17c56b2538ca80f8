package telegram

import (
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wizicer/aichat/internal/debugtrace"
	"github.com/wizicer/aichat/internal/metrics"
	"github.com/wizicer/aichat/internal/queue"
	"github.com/wizicer/aichat/internal/settings"
	"github.com/wizicer/aichat/internal/storage"
	"github.com/wizicer/aichat/internal/usage"
)

type Service struct {
	store       *storage.Store
	queue       *queue.StreamQueue
	settings    *settings.Service
	ledger      *usage.Ledger
	recorder    *debugtrace.Recorder
	budget      *queue.ProviderBudget
	inflight    *queue.InFlight
	wizard      *wizardStore
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	accessMode  string
}

type Config struct {
	Store       *storage.Store
	Queue       *queue.StreamQueue
	Settings    *settings.Service
	Ledger      *usage.Ledger
	Recorder    *debugtrace.Recorder
	Budget      *queue.ProviderBudget
	InFlight    *queue.InFlight
	Redis       *redis.Client
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	WizardTTL   time.Duration
	AccessMode  string
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.WizardTTL <= 0 {
		cfg.WizardTTL = 20 * time.Minute
	}
	return &Service{
		store:       cfg.Store,
		queue:       cfg.Queue,
		settings:    cfg.Settings,
		ledger:      cfg.Ledger,
		recorder:    cfg.Recorder,
		budget:      cfg.Budget,
		inflight:    cfg.InFlight,
		wizard:      newWizardStore(cfg.Redis, cfg.WizardTTL),
		logger:      cfg.Logger,
		metrics:     m,
		accessMode:  cfg.AccessMode,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("start", s.start))
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("menu", s.menu))
	d.AddHandler(handlers.NewCommand("cancel", s.cancelWizard))

	d.AddHandler(handlers.NewCommand("characters", s.characters))
	d.AddHandler(handlers.NewCommand("character_add", s.characterAdd))
	d.AddHandler(handlers.NewCommand("character_del", s.characterDel))
	d.AddHandler(handlers.NewCommand("persona", s.personaEdit))
	d.AddHandler(handlers.NewCommand("newchat", s.newChat))
	d.AddHandler(handlers.NewCommand("chats", s.chats))

	d.AddHandler(handlers.NewCommand("lore", s.lore))
	d.AddHandler(handlers.NewCommand("lore_add", s.loreAdd))
	d.AddHandler(handlers.NewCommand("lore_toggle", s.loreToggle))
	d.AddHandler(handlers.NewCommand("lore_edit", s.loreEdit))
	d.AddHandler(handlers.NewCommand("lore_del", s.loreDel))

	d.AddHandler(handlers.NewCommand("provider", s.provider))
	d.AddHandler(handlers.NewCommand("model", s.model))
	d.AddHandler(handlers.NewCommand("endpoint", s.endpoint))
	d.AddHandler(handlers.NewCommand("apikey", s.apiKey))
	d.AddHandler(handlers.NewCommand("ping", s.ping))
	d.AddHandler(handlers.NewCommand("debug", s.debug))
	d.AddHandler(handlers.NewCommand("trace", s.trace))

	d.AddHandler(handlers.NewCommand("usage", s.usage))
	d.AddHandler(handlers.NewCommand("usage_clear", s.usageClear))

	d.AddHandler(handlers.NewCommand("reality", s.suggest))
	d.AddHandler(handlers.NewCommand("story", s.story))

	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbPrefix), s.onCallback))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Private(msg) && message.Text(msg) && !strings.HasPrefix(msg.Text, "/")
	}, s.privateText))
}

func (s *Service) now() time.Time {
	return time.Now().UTC()
}
