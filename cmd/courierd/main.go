// Command courierd hosts the travel booking activities on the PostgreSQL
// outbox transport.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/krew-solutions/courier-go/courier/config"
	"github.com/krew-solutions/courier-go/courier/inbox"
	"github.com/krew-solutions/courier-go/courier/outbox"
	"github.com/krew-solutions/courier-go/courier/saga"
	"github.com/krew-solutions/courier-go/courier/service"
	"github.com/krew-solutions/courier-go/courier/session"
	pgsession "github.com/krew-solutions/courier-go/courier/session/pg"
	"github.com/krew-solutions/courier-go/courier/transport"
	"github.com/krew-solutions/courier-go/examples/booking"
)

const envPrefix = "COURIER_"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("courierd", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to the YAML configuration")
	processID := flags.Int("process", 0, "index of this process among -processes")
	processes := flags.Int("processes", 1, "number of processes sharing the endpoints")
	book := flags.Bool("book", false, "submit a sample trip after start")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg := config.Defaults()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if url, ok := os.LookupEnv(envPrefix + "DATABASE_URL"); ok {
		cfg.Database.URL = url
	}

	logger, err := newLogger(os.Stderr, cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	settings := cfg.Provider(envPrefix)

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return errors.Wrap(err, "unable to connect to database")
	}
	defer pool.Close()

	sessionPool := pgsession.NewSessionPool(pool)
	sessionPool.OnQueryEnded().Attach(func(e session.QueryEndedEvent) {
		logger.Debug("query",
			slog.String("sql", e.Query),
			slog.Duration("response_time", e.ResponseTime),
			slog.Any("error", e.Err),
		)
	})

	ob := outbox.NewOutbox(sessionPool, cfg.Transport.OutboxTable, cfg.Transport.OffsetsTable, cfg.Transport.BatchSize)
	guard := inbox.NewInbox(sessionPool, cfg.Transport.InboxTable, "")
	if err := ob.Setup(ctx); err != nil {
		return errors.Wrap(err, "unable to set up outbox")
	}
	if err := guard.Setup(ctx); err != nil {
		return errors.Wrap(err, "unable to set up inbox")
	}

	bus := outbox.NewTransport(sessionPool, ob,
		outbox.WithConsumerGroup(cfg.Transport.ConsumerGroup),
		outbox.WithPollInterval(cfg.Transport.PollInterval),
		outbox.WithProcess(*processID, *processes),
		outbox.WithLogger(logger),
	)
	defer bus.Close()

	services, err := newBookingServices(bus, cfg, settings, guard, logger)
	if err != nil {
		return err
	}
	for _, s := range services {
		if err := s.Start(ctx); err != nil {
			return errors.Wrapf(err, "unable to start %s", s.Name())
		}
		logger.Info("activity started",
			slog.String("activity", s.Name()),
			slog.String("execute_address", s.ExecuteAddress()),
			slog.Int("consumer_limit", s.ConsumerLimit()),
		)
	}
	defer func() {
		if err := stopAll(services); err != nil {
			logger.Error("shutdown", slog.Any("error", err))
		}
	}()

	eventsAddress := fmt.Sprintf("%s://%s/events", cfg.Addresses.Scheme, cfg.Addresses.Host)
	events, err := bus.ConnectReceiveEndpoint(eventsAddress, 1, logEvent(logger))
	if err != nil {
		return err
	}
	defer events.Dispose()

	if *book {
		if err := submitTrip(ctx, bus, services, eventsAddress); err != nil {
			return err
		}
	}

	retention, err := config.GetDuration(settings, "InboxRetention", 7*24*time.Hour)
	if err != nil {
		return err
	}
	purgeInbox(ctx, guard, retention, logger)
	logger.Info("courierd stopped")
	return nil
}

func newBookingServices(
	t transport.Transport,
	cfg config.File,
	settings config.Provider,
	guard saga.DeliveryGuard,
	logger *slog.Logger,
) ([]*service.ActivityService, error) {
	seats, err := config.GetInt(settings, "ReserveFlightSeats", 9)
	if err != nil {
		return nil, err
	}
	ledger := booking.NewLedger()
	activities := []saga.Activity{
		booking.NewReserveCarActivity(ledger),
		booking.NewReserveHotelActivity(ledger),
		booking.NewReserveFlightActivity(ledger, seats),
	}
	addresses := service.QueueAddressProvider{Scheme: cfg.Addresses.Scheme, Host: cfg.Addresses.Host}

	services := make([]*service.ActivityService, 0, len(activities))
	for _, a := range activities {
		s, err := service.NewActivityService(saga.Singleton(a), t, addresses, settings,
			service.WithLogger(logger),
			service.WithHostOptions(
				saga.WithLogger(logger),
				saga.WithObserver(saga.NewLoggingObserver(logger)),
				saga.WithDeliveryGuard(guard),
			),
		)
		if err != nil {
			return nil, err
		}
		services = append(services, s)
	}
	return services, nil
}

func stopAll(services []*service.ActivityService) error {
	var result *multierror.Error
	for _, s := range services {
		result = multierror.Append(result, s.Stop())
	}
	return result.ErrorOrNil()
}

func submitTrip(ctx context.Context, t transport.Transport, services []*service.ActivityService, eventsAddress string) error {
	b := saga.NewRoutingSlipBuilder()
	if err := b.AddSubscription(eventsAddress, saga.EventAll); err != nil {
		return err
	}
	steps := make([]booking.Step, len(services))
	for i, s := range services {
		steps[i] = booking.Step{Name: s.Name(), ExecuteAddress: s.ExecuteAddress(), CompensateAddress: s.CompensateAddress()}
	}
	trip := booking.Trip{Traveller: "Joe", VehicleType: "Compact", City: "Lisbon", Nights: 2, Passengers: 2}
	if err := booking.AddTrip(b, trip, steps[0], steps[1], steps[2]); err != nil {
		return err
	}
	slip, err := b.Build()
	if err != nil {
		return err
	}
	env, err := saga.NewRoutingSlipEnvelope(slip, slip.ProgressAddress(), eventsAddress)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "trip submitted", slog.String("tracking_number", slip.TrackingNumber().String()))
	return t.Send(ctx, env)
}

func logEvent(logger *slog.Logger) transport.Handler {
	return func(ctx context.Context, env transport.Envelope) error {
		event, err := saga.DecodeEvent(env)
		if err != nil {
			logger.WarnContext(ctx, "unknown event dropped",
				slog.String("message_type", env.MessageType),
				slog.Any("error", err),
			)
			return nil
		}
		logger.InfoContext(ctx, "routing slip event",
			slog.String("message_type", env.MessageType),
			slog.String("tracking_number", env.CorrelationID),
			slog.Any("event", event),
		)
		return nil
	}
}

// purgeInbox drops old delivery records until ctx is done.
func purgeInbox(ctx context.Context, guard *inbox.PgInbox, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := guard.Purge(ctx, retention)
			if err != nil {
				logger.ErrorContext(ctx, "inbox purge failed", slog.Any("error", err))
				continue
			}
			logger.Debug("inbox purged", slog.Int64("records", n))
		}
	}
}
