package stagegate

import (
	"log/slog"

	"github.com/wrldbldr/stagegate/policy"
	"github.com/wrldbldr/stagegate/runtime/generator"
	"github.com/wrldbldr/stagegate/service/approval"
	"github.com/wrldbldr/stagegate/service/broadcast"
	"github.com/wrldbldr/stagegate/service/llm"
	"github.com/wrldbldr/stagegate/service/messaging"
	"github.com/wrldbldr/stagegate/service/staging"
	"github.com/wrldbldr/stagegate/service/staging/schedule"
	"github.com/wrldbldr/stagegate/tracing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Option customizes the engine assembly.
type Option func(s *Service)

// WithConfig replaces the default configuration.
func WithConfig(config *Config) Option {
	return func(s *Service) { s.config = config }
}

// WithLogger replaces the default tinted stderr logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithStore replaces the approval store chosen by Config.Store.
func WithStore(store approval.Store) Option {
	return func(s *Service) { s.store = store }
}

// WithDispatcher replaces the broadcast dispatcher.
func WithDispatcher(dispatcher *broadcast.Dispatcher) Option {
	return func(s *Service) { s.dispatcher = dispatcher }
}

// WithLLM replaces the default OpenAI-compatible backend, bypassing the
// built-in circuit breaker; wrap the port yourself if you still want one.
func WithLLM(port llm.Port) Option {
	return func(s *Service) { s.port = port }
}

// WithEventQueue replaces the in-memory lifecycle event queue.
func WithEventQueue(queue messaging.Queue[approval.Event]) Option {
	return func(s *Service) { s.events = queue }
}

// WithScheduleRules sets the NPC presence rules used by staging.
func WithScheduleRules(book *schedule.Book) Option {
	return func(s *Service) { s.rules = book }
}

// WithNpcDirectory sets the directory used to enrich staged NPCs with
// display data.
func WithNpcDirectory(directory staging.Directory) Option {
	return func(s *Service) { s.directory = directory }
}

// WithTools declares the tool specs offered to the model during dialogue.
func WithTools(tools ...llm.ToolSpec) Option {
	return func(s *Service) { s.tools = tools }
}

// WithPolicy sets the default review policy.
func WithPolicy(p *policy.Policy) Option {
	return func(s *Service) { s.defaultPolicy = p }
}

// WithWorldPolicy overrides the review policy for one world.
func WithWorldPolicy(worldID string, p *policy.Policy) Option {
	return func(s *Service) { s.worldPolicies[worldID] = p }
}

// WithGenerationClient enables the asset generator, registering it as the
// applier for approved generation items.
func WithGenerationClient(client generator.Client) Option {
	return func(s *Service) { s.genClient = client }
}

// WithGenerationQueue replaces the in-memory generation job queue.
func WithGenerationQueue(queue messaging.Queue[generator.Job]) Option {
	return func(s *Service) { s.jobs = queue }
}

// WithTracing configures OpenTelemetry tracing for the service. If
// outputFile is empty the stdout exporter is used; otherwise traces are
// written to the supplied file path. The function is safe to call multiple
// times - the first successful initialisation wins.
func WithTracing(serviceName, serviceVersion, outputFile string) Option {
	return func(s *Service) {
		_ = tracing.Init(serviceName, serviceVersion, outputFile)
	}
}

// WithTracingExporter configures OpenTelemetry tracing using a custom
// SpanExporter. This enables integrations with exporters other than the
// built-in stdout exporter, for example OTLP, Jaeger or Zipkin.
func WithTracingExporter(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) Option {
	return func(s *Service) {
		_ = tracing.InitWithExporter(serviceName, serviceVersion, exporter)
	}
}
