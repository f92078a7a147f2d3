package stagegate

import (
	"fmt"
	"log/slog"

	"github.com/wrldbldr/stagegate/internal/logger"
	"github.com/wrldbldr/stagegate/policy"
	"github.com/wrldbldr/stagegate/runtime/decider"
	"github.com/wrldbldr/stagegate/runtime/generator"
	"github.com/wrldbldr/stagegate/runtime/supervisor"
	"github.com/wrldbldr/stagegate/service/approval"
	amemory "github.com/wrldbldr/stagegate/service/approval/memory"
	"github.com/wrldbldr/stagegate/service/approval/sqlite"
	"github.com/wrldbldr/stagegate/service/broadcast"
	"github.com/wrldbldr/stagegate/service/conversation"
	"github.com/wrldbldr/stagegate/service/event"
	"github.com/wrldbldr/stagegate/service/llm"
	"github.com/wrldbldr/stagegate/service/llm/openai"
	"github.com/wrldbldr/stagegate/service/messaging"
	mmemory "github.com/wrldbldr/stagegate/service/messaging/memory"
	"github.com/wrldbldr/stagegate/service/staging"
	"github.com/wrldbldr/stagegate/service/staging/schedule"
)

// Service wires the approval engine together: store, state machine, staging
// resolver, conversation orchestrator, broadcast dispatcher, timeout
// supervisor and the optional asset generator.
type Service struct {
	config        *Config
	logger        *slog.Logger
	store         approval.Store
	closeStore    func() error
	dispatcher    *broadcast.Dispatcher
	decider       *decider.Service
	resolver      *staging.Resolver
	orchestrator  *conversation.Orchestrator
	supervisor    *supervisor.Service
	generator     *generator.Service
	port          llm.Port
	genClient     generator.Client
	hub           *event.Service
	events        messaging.Queue[approval.Event]
	jobs          messaging.Queue[generator.Job]
	rules         *schedule.Book
	directory     staging.Directory
	tools         []llm.ToolSpec
	defaultPolicy *policy.Policy
	worldPolicies map[string]*policy.Policy

	runtime *Runtime
}

// New creates a fully wired engine. Every collaborator can be replaced with
// an Option; the defaults give an in-memory engine talking to a local
// Ollama endpoint.
func New(options ...Option) (*Service, error) {
	s := &Service{
		worldPolicies: make(map[string]*policy.Policy),
	}
	for _, option := range options {
		option(s)
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) init() error {
	if s.config == nil {
		s.config = DefaultConfig()
	}
	if err := s.config.Validate(); err != nil {
		return err
	}
	if s.logger == nil {
		s.logger = logger.New(s.config.Logging.Level)
	}
	if err := s.ensureBaseSetup(); err != nil {
		return err
	}

	var err error
	s.decider, err = decider.New(s.store, s.dispatcher,
		decider.WithEventQueue(s.events),
		decider.WithLogger(s.logger))
	if err != nil {
		return err
	}

	stagingOptions := []staging.Option{
		staging.WithPolicy(s.defaultPolicy),
		staging.WithLogger(s.logger),
	}
	if s.port != nil {
		stagingOptions = append(stagingOptions, staging.WithLLM(s.port))
	}
	if s.directory != nil {
		stagingOptions = append(stagingOptions, staging.WithDirectory(s.directory))
	}
	s.resolver, err = staging.New(s.store, s.decider, s.dispatcher, s.rules, staging.Config{
		ReviewTimeout:  s.config.Staging.ReviewTimeout,
		TTL:            s.config.Staging.TTL,
		SuggestTimeout: s.config.Staging.SuggestTimeout,
	}, stagingOptions...)
	if err != nil {
		return err
	}

	s.orchestrator, err = conversation.New(s.store, s.port, s.dispatcher, conversation.Config{
		HistoryTurns:  s.config.Conversation.HistoryTurns,
		ReviewTimeout: s.config.Conversation.ReviewTimeout,
		SystemPrompt:  s.config.Conversation.SystemPrompt,
	},
		conversation.WithPresence(s.resolver),
		conversation.WithTools(s.tools...),
		conversation.WithLogger(s.logger))
	if err != nil {
		return err
	}

	supervisorOptions := []supervisor.Option{
		supervisor.WithPolicy(s.defaultPolicy),
		supervisor.WithLogger(s.logger),
	}
	for worldID, p := range s.worldPolicies {
		supervisorOptions = append(supervisorOptions, supervisor.WithWorldPolicy(worldID, p))
	}
	s.supervisor = supervisor.New(s.store, s.decider, s.config.Supervisor, supervisorOptions...)

	s.decider.Register(approval.KindStagingProposal, s.resolver)
	s.decider.Register(approval.KindNpcResponse, s.orchestrator)

	if s.genClient != nil {
		if s.jobs == nil {
			s.jobs = mmemory.NewQueue[generator.Job](mmemory.DefaultConfig())
		}
		s.generator, err = generator.New(s.jobs, s.genClient, s.dispatcher, s.config.Generator, s.logger)
		if err != nil {
			return err
		}
		s.decider.Register(approval.KindAssetGeneration, s.generator)
	}

	s.runtime = &Runtime{service: s}
	return nil
}

func (s *Service) ensureBaseSetup() error {
	if s.store == nil {
		switch s.config.Store.Driver {
		case "sqlite":
			store, err := sqlite.Open(s.config.Store.Path)
			if err != nil {
				return fmt.Errorf("failed to open approval store: %w", err)
			}
			s.store = store
			s.closeStore = store.Close
		default:
			s.store = amemory.New()
		}
	}
	if s.dispatcher == nil {
		s.dispatcher = broadcast.New(s.config.Broadcast.SendTimeout, s.logger)
	}
	if s.hub == nil {
		hub, err := event.New(messaging.VendorMemory,
			event.WithNewMemoryQueueConfig(func(string) mmemory.Config {
				return mmemory.DefaultConfig()
			}))
		if err != nil {
			return err
		}
		s.hub = hub
	}
	if s.events == nil {
		queue, err := event.QueueOf[approval.Event](s.hub, "approval.lifecycle")
		if err != nil {
			return err
		}
		s.events = queue
	}
	// Announce enqueues on the lifecycle queue; resolutions are announced by
	// the decider.
	s.store = approval.NewEventedStore(s.store, s.events)
	if s.port == nil {
		s.port = llm.NewBreaker(openai.New(s.config.LLM.Config), s.config.LLM.Breaker, s.logger)
	}
	if s.rules == nil && s.config.Staging.RulesPath != "" {
		book, err := schedule.Load(s.config.Staging.RulesPath)
		if err != nil {
			return fmt.Errorf("failed to load schedule rules: %w", err)
		}
		s.rules = book
	}
	if s.defaultPolicy == nil {
		s.defaultPolicy = policy.Default()
	}
	return nil
}

// Runtime returns the operational surface of the engine.
func (s *Service) Runtime() *Runtime {
	return s.runtime
}

// Staging returns the staging resolver.
func (s *Service) Staging() *staging.Resolver { return s.resolver }

// Conversation returns the dialogue orchestrator.
func (s *Service) Conversation() *conversation.Orchestrator { return s.orchestrator }

// Broadcast returns the outbound dispatcher; transports register their
// connections here.
func (s *Service) Broadcast() *broadcast.Dispatcher { return s.dispatcher }

// Store returns the approval store.
func (s *Service) Store() approval.Store { return s.store }

// Events returns the lifecycle event queue.
func (s *Service) Events() messaging.Queue[approval.Event] { return s.events }

// EventHub returns the typed event hub; hosts use it to create additional
// per-type queues and listeners.
func (s *Service) EventHub() *event.Service { return s.hub }

// Decider returns the approval state machine; hosts use it to register
// appliers for additional item kinds.
func (s *Service) Decider() *decider.Service { return s.decider }
