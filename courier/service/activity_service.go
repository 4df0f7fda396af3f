package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/krew-solutions/courier-go/courier/config"
	"github.com/krew-solutions/courier-go/courier/disposable"
	"github.com/krew-solutions/courier-go/courier/option"
	"github.com/krew-solutions/courier-go/courier/saga"
	"github.com/krew-solutions/courier-go/courier/transport"
)

var ErrAlreadyStarted = errors.New("service already started")

type Option func(*options)

type options struct {
	name        string
	logger      *slog.Logger
	hostOptions []saga.HostOption
}

// WithName overrides the activity name derived from the activity type.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHostOptions passes options to the activity hosts.
func WithHostOptions(opts ...saga.HostOption) Option {
	return func(o *options) {
		o.hostOptions = append(o.hostOptions, opts...)
	}
}

// ActivityService hosts one activity on a transport: an execute endpoint and,
// for compensatable activities, a compensate endpoint. Both endpoints share the
// consumer limit read from the "<Name>ConsumerLimit" setting.
type ActivityService struct {
	name              string
	executeAddress    string
	compensateAddress option.Option[string]
	consumerLimit     int
	executeHost       *saga.ExecuteActivityHost
	compensateHost    *saga.CompensateActivityHost
	connector         transport.ReceiveEndpointConnector
	logger            *slog.Logger

	mu        sync.Mutex
	endpoints *disposable.CompositeDisposable
}

// NewActivityService hosts a compensatable activity created by factory.
func NewActivityService(
	factory func() saga.Activity,
	t transport.Transport,
	addresses AddressProvider,
	settings config.Provider,
	opts ...Option,
) (*ActivityService, error) {
	o := resolveOptions(opts, factory())
	s, err := newActivityService(o, t, addresses, settings, true)
	if err != nil {
		return nil, err
	}
	s.executeHost = saga.NewExecuteActivityHost(s.name, s.executeAddress, s.compensateAddress,
		func() saga.ExecuteActivity { return factory() }, t, o.hostOptions...)
	s.compensateHost = saga.NewCompensateActivityHost(s.name, s.compensateAddress.Unwrap(),
		func() saga.CompensateActivity { return factory() }, t, o.hostOptions...)
	return s, nil
}

// NewExecuteActivityService hosts an activity without compensation. Its log
// entries are skipped when a routing slip is compensated.
func NewExecuteActivityService(
	factory func() saga.ExecuteActivity,
	t transport.Transport,
	addresses AddressProvider,
	settings config.Provider,
	opts ...Option,
) (*ActivityService, error) {
	o := resolveOptions(opts, factory())
	s, err := newActivityService(o, t, addresses, settings, false)
	if err != nil {
		return nil, err
	}
	s.executeHost = saga.NewExecuteActivityHost(s.name, s.executeAddress, s.compensateAddress,
		factory, t, o.hostOptions...)
	return s, nil
}

func resolveOptions(opts []Option, sample any) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		o.name = ActivityName(sample)
	}
	return o
}

func newActivityService(o options, t transport.Transport, addresses AddressProvider, settings config.Provider, compensatable bool) (*ActivityService, error) {
	if o.name == "" {
		return nil, errors.Wrap(saga.ErrInvalidActivity, "unable to derive activity name")
	}
	limit, err := config.ConsumerLimit(settings, o.name)
	if err != nil {
		return nil, err
	}
	s := &ActivityService{
		name:              o.name,
		executeAddress:    addresses.ExecuteAddress(o.name),
		compensateAddress: option.Nothing[string](),
		consumerLimit:     limit,
		connector:         t,
		logger:            o.logger.With(slog.String("activity", o.name)),
	}
	if compensatable {
		s.compensateAddress = option.Some(addresses.CompensateAddress(o.name))
	}
	return s, nil
}

func (s *ActivityService) Name() string {
	return s.name
}

func (s *ActivityService) ExecuteAddress() string {
	return s.executeAddress
}

// CompensateAddress is Nothing for execute-only activities.
func (s *ActivityService) CompensateAddress() option.Option[string] {
	return s.compensateAddress
}

func (s *ActivityService) ConsumerLimit() int {
	return s.consumerLimit
}

// AddToBuilder appends this activity to an itinerary.
func (s *ActivityService) AddToBuilder(b *saga.RoutingSlipBuilder, arguments saga.Arguments) error {
	return b.AddActivity(s.name, s.executeAddress, s.compensateAddress, arguments)
}

// Start connects the receive endpoints.
func (s *ActivityService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endpoints != nil {
		return errors.Wrapf(ErrAlreadyStarted, "%q", s.name)
	}

	endpoints := disposable.NewCompositeDisposable()
	d, err := s.connector.ConnectReceiveEndpoint(s.executeAddress, s.consumerLimit, s.executeHost.Handle)
	if err != nil {
		return errors.Wrapf(err, "unable to connect %s", s.executeAddress)
	}
	endpoints.Add(d)

	if s.compensateHost != nil {
		address := s.compensateAddress.Unwrap()
		d, err := s.connector.ConnectReceiveEndpoint(address, s.consumerLimit, s.compensateHost.Handle)
		if err != nil {
			endpoints.Dispose()
			return errors.Wrapf(err, "unable to connect %s", address)
		}
		endpoints.Add(d)
	}
	s.endpoints = endpoints

	s.logger.InfoContext(ctx, "activity service started",
		slog.String("execute_address", s.executeAddress),
		slog.String("compensate_address", s.compensateAddress.UnwrapOr("")),
		slog.Int("consumer_limit", s.consumerLimit),
	)
	return nil
}

// Stop disconnects the receive endpoints. It is safe to call more than once.
func (s *ActivityService) Stop() error {
	s.mu.Lock()
	endpoints := s.endpoints
	s.endpoints = nil
	s.mu.Unlock()

	if endpoints == nil {
		return nil
	}
	endpoints.Dispose()
	s.logger.Info("activity service stopped")
	return nil
}
