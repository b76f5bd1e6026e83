package wsflow

import (
	runtimepkg "github.com/drblury/wsflow/internal/runtime"
	bindingpkg "github.com/drblury/wsflow/internal/runtime/binding"
	broadcastpkg "github.com/drblury/wsflow/internal/runtime/broadcast"
	configpkg "github.com/drblury/wsflow/internal/runtime/config"
	errspkg "github.com/drblury/wsflow/internal/runtime/errors"
	formatpkg "github.com/drblury/wsflow/internal/runtime/format"
	handlerpkg "github.com/drblury/wsflow/internal/runtime/handlers"
	idspkg "github.com/drblury/wsflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/wsflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/wsflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/wsflow/internal/runtime/metadata"
	modelpkg "github.com/drblury/wsflow/internal/runtime/model"
	registrypkg "github.com/drblury/wsflow/internal/runtime/registry"
	transportpkg "github.com/drblury/wsflow/transport"
	"google.golang.org/protobuf/proto"
)

type (
	Config              = configpkg.Config
	AdapterConfig       = configpkg.AdapterConfig
	AdapterOptions      = configpkg.AdapterOptions
	OperatorConfig      = configpkg.OperatorConfig
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	BroadcastRequest    = runtimepkg.BroadcastRequest

	// Service definitions
	ServiceDefinition = modelpkg.Service
	EventDefinition   = modelpkg.Event
	Operation         = modelpkg.Operation
	Element           = modelpkg.Element
	Annotations       = modelpkg.Annotations

	// Connections and handlers
	BindingService    = bindingpkg.Service
	Connection        = bindingpkg.Connection
	Event             = bindingpkg.Event
	Handler           = bindingpkg.Handler
	Middleware        = bindingpkg.Middleware
	Authenticator     = bindingpkg.Authenticator
	AuthenticatorFunc = bindingpkg.AuthenticatorFunc
	Admission         = bindingpkg.Admission
	Handshake         = bindingpkg.Handshake
	Principal         = bindingpkg.Principal
	StaticPrincipal   = bindingpkg.StaticPrincipal

	JSONHandler[T any]            = handlerpkg.JSONHandler[T]
	ProtoHandler[T proto.Message] = handlerpkg.ProtoHandler[T]
	EventContext[T any]           = handlerpkg.EventContext[T]

	// Broadcasts
	Filter          = broadcastpkg.Filter
	Selector        = broadcastpkg.Selector
	Operator        = broadcastpkg.Operator
	BroadcastResult = broadcastpkg.Result
	Format          = formatpkg.Format
	FormatMessage   = formatpkg.Message

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	// Event lifecycle hooks
	HookContext = runtimepkg.EventContext
	EventHooks  = runtimepkg.EventHooks

	// Introspection
	Status          = runtimepkg.Status
	ConnectionStat  = registrypkg.Stat
	EventSnapshot   = runtimepkg.EventSnapshot
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory
	Metrics         = runtimepkg.Metrics

	EventError            = errspkg.EventError
	ErrorBody             = errspkg.ErrorBody
	ConfigValidationError = errspkg.ConfigValidationError

	Metadata      = metadatapkg.Metadata
	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Fan-out transports
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig
	LoadConfig     = configpkg.Load

	NormalizePath = modelpkg.NormalizePath
	NewFormat     = formatpkg.New
	ParseOperator = broadcastpkg.ParseOperator

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogEventsMiddleware     = runtimepkg.LogEventsMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	StatsMiddleware         = runtimepkg.StatsMiddleware
	TimeoutMiddleware       = runtimepkg.TimeoutMiddleware

	// Event lifecycle hooks
	HooksMiddleware = runtimepkg.HooksMiddleware
	LoggingHooks    = runtimepkg.LoggingHooks
	MetricsHooks    = runtimepkg.MetricsHooks
	AlertingHooks   = runtimepkg.AlertingHooks

	NewMetrics            = runtimepkg.NewMetrics
	NewEventStatsRecorder = runtimepkg.NewEventStatsRecorder
	ClassifyEventError    = runtimepkg.ClassifyEventError
	Anonymous             = bindingpkg.Anonymous
	HeaderAuthenticator   = bindingpkg.HeaderAuthenticator
	NewEventError         = errspkg.NewEventError
	AsEventError          = errspkg.AsEventError
	NewSlogServiceLogger  = loggingpkg.NewSlogServiceLogger
	NewNopLogger          = loggingpkg.NewNopLogger
	NewMetadata           = metadatapkg.New
	CreateULID            = idspkg.CreateULID
	GetCapabilities       = transportpkg.GetCapabilities
	RegisterTransport     = transportpkg.Register
	RegisterTransportCaps = transportpkg.RegisterWithCapabilities
	BuildTransport        = transportpkg.Build
	NewTransportRegistry  = transportpkg.NewRegistry
	DefaultTransports     = transportpkg.DefaultRegistry
	Marshal               = jsoncodec.Marshal
	Unmarshal             = jsoncodec.Unmarshal
	Encode                = jsoncodec.Encode
	Valid                 = jsoncodec.Valid

	ErrServiceRequired      = errspkg.ErrServiceRequired
	ErrServicePathRequired  = errspkg.ErrServicePathRequired
	ErrServiceAlreadyBound  = errspkg.ErrServiceAlreadyBound
	ErrUnknownService       = errspkg.ErrUnknownService
	ErrEventRequired        = errspkg.ErrEventRequired
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrUnknownFormat        = errspkg.ErrUnknownFormat
	ErrAdapterInactive      = errspkg.ErrAdapterInactive
	ErrConnectionClosed     = errspkg.ErrConnectionClosed
	ErrSendBufferFull       = errspkg.ErrSendBufferFull
	ErrUnauthenticated      = errspkg.ErrUnauthenticated
	ErrForbidden            = errspkg.ErrForbidden
	ErrUnsupportedTransport = errspkg.ErrUnsupportedTransport
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrPayloadPointerNeeded = errspkg.ErrPayloadPointerNeeded
)

// Binding kinds.
const (
	KindWS       = configpkg.KindWS
	KindSocketIO = configpkg.KindSocketIO
)

// Filter combinators.
const (
	OperatorOr  = configpkg.OperatorOr
	OperatorAnd = configpkg.OperatorAnd
)

// Wire format names.
const (
	FormatJSON       = formatpkg.JSON
	FormatIdentity   = formatpkg.Identity
	FormatGeneric    = formatpkg.Generic
	FormatCloudEvent = formatpkg.CloudEvent
	FormatPCP        = formatpkg.PCP
)

// Identity headers read by HeaderAuthenticator.
const (
	HeaderTenant = bindingpkg.HeaderTenant
	HeaderUser   = bindingpkg.HeaderUser
	HeaderRoles  = bindingpkg.HeaderRoles
)

// Headers set on every event by the default middleware chain.
const (
	HeaderCorrelationID = handlerpkg.HeaderCorrelationID
	HeaderTraceID       = handlerpkg.HeaderTraceID
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone      = runtimepkg.ErrorCategoryNone
	ErrorCategoryClient    = runtimepkg.ErrorCategoryClient
	ErrorCategoryServer    = runtimepkg.ErrorCategoryServer
	ErrorCategoryCancelled = runtimepkg.ErrorCategoryCancelled
	ErrorCategoryOther     = runtimepkg.ErrorCategoryOther
)

// JSON adapts a typed handler whose payload is decoded from the event data.
func JSON[T any](handler JSONHandler[T]) (Handler, error) {
	return handlerpkg.JSON(handler)
}

func MustJSON[T any](handler JSONHandler[T]) Handler {
	return handlerpkg.MustJSON(handler)
}

// Proto adapts a typed handler whose payload is a protobuf message.
func Proto[T proto.Message](handler ProtoHandler[T]) (Handler, error) {
	return handlerpkg.Proto(handler)
}

func MustProto[T proto.Message](handler ProtoHandler[T]) Handler {
	return handlerpkg.MustProto(handler)
}
