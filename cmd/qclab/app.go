package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gartstein/avenue/internal/lab/archive"
	"github.com/gartstein/avenue/internal/lab/auth"
	"github.com/gartstein/avenue/internal/lab/config"
	"github.com/gartstein/avenue/internal/lab/controller"
	"github.com/gartstein/avenue/internal/lab/db"
	"github.com/gartstein/avenue/internal/lab/events"
	"github.com/gartstein/avenue/internal/lab/metrics"
	"github.com/gartstein/avenue/internal/lab/models"
	"github.com/gartstein/avenue/internal/lab/report"
	"github.com/gartstein/avenue/internal/lab/seed"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var errUsage = errors.New("invalid arguments")

type app struct {
	cfg    *config.Config
	logger *zap.Logger
	out    io.Writer
	in     io.Reader
	now    func() time.Time

	commands map[string]func(context.Context, []string) error
}

func newApp(cfg *config.Config, logger *zap.Logger, out io.Writer, in io.Reader) *app {
	a := &app{cfg: cfg, logger: logger, out: out, in: in, now: time.Now}
	a.commands = map[string]func(context.Context, []string) error{
		"migrate": a.migrate,
		"seed":    a.seed,
		"create":  a.create,
		"update":  a.update,
		"get":     a.get,
		"list":    a.list,
		"retire":  a.retire,
		"delete":  a.delete,
		"audit":   a.audit,
		"history": a.history,
		"report":  a.report,
		"token":   a.token,
	}
	return a
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	cmd, ok := a.commands[command]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
	return cmd(ctx, args)
}

// session is an open service with everything it depends on.
type session struct {
	repo     *db.Repository
	svc      *controller.LabService
	producer controller.EventProducer
	closers  []func()
}

func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func (a *app) open(ctx context.Context) (*session, error) {
	repo, err := db.NewRepository(ctx, a.cfg.Database(), a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	s := &session{repo: repo}
	s.closers = append(s.closers, func() {
		if err := repo.Close(); err != nil {
			a.logger.Error("failed to close database", zap.Error(err))
		}
	})

	reg := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(reg)
	if err != nil {
		s.Close()
		return nil, err
	}
	if a.cfg.MetricsAddr != "" {
		s.closers = append(s.closers, a.serveMetrics(reg))
	}

	if len(a.cfg.KafkaBrokers) > 0 {
		producer, err := events.NewProducer(a.cfg.KafkaBrokers, a.logger, a.cfg.Topic)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to initialize Kafka producer: %w", err)
		}
		s.producer = producer
		s.closers = append(s.closers, producer.Close)
	} else {
		s.producer = events.NopProducer{}
	}

	s.svc = controller.NewLabService(repo, s.producer, recorder, a.logger)
	return s, nil
}

func (a *app) serveMetrics(reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		a.logger.Info("serving metrics", zap.String("addr", a.cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// stamp authenticates token and registers its actor.
func (a *app) stamp(ctx context.Context, svc *controller.LabService, token string) (models.Stamp, error) {
	if token == "" {
		return models.Stamp{}, fmt.Errorf("%w: -token is required for writes", errUsage)
	}
	actor, err := auth.ActorFromToken(token, a.cfg.JWTSecret)
	if err != nil {
		return models.Stamp{}, err
	}
	if err := svc.RegisterActor(ctx, actor); err != nil {
		return models.Stamp{}, err
	}
	return models.Stamp{Actor: actor.ID, At: a.now()}, nil
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// recordFlags declares the -kind and -key flags shared by most commands.
func recordFlags(fs *flag.FlagSet) (kind, key *string) {
	return fs.String("kind", "", "entity kind, e.g. branch"), fs.String("key", "", "record key: code or numeric id")
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}

func (a *app) migrate(ctx context.Context, args []string) error {
	if err := parseFlags(flag.NewFlagSet("migrate", flag.ContinueOnError), args); err != nil {
		return err
	}
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	a.logger.Info("schema migrated", zap.String("driver", a.cfg.DBDriver))
	return nil
}

func (a *app) seed(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	file := fs.String("file", "", "YAML fixtures file")
	token := fs.String("token", "", "actor token")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("%w: -file is required", errUsage)
	}
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	stamp, err := a.stamp(ctx, s.svc, *token)
	if err != nil {
		return err
	}
	summary, err := seed.LoadFile(ctx, s.svc, *file, stamp, a.logger)
	if err != nil {
		return err
	}
	return a.print(summary)
}

func (a *app) create(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	kindName := fs.String("kind", "", "entity kind")
	data := fs.String("data", "", "record as JSON; read from stdin when empty")
	token := fs.String("token", "", "actor token")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	kind, err := models.ParseKind(*kindName)
	if err != nil {
		return err
	}
	info, _ := models.Lookup(kind)
	entity := info.New()

	raw := []byte(*data)
	if *data == "" {
		if raw, err = io.ReadAll(a.in); err != nil {
			return err
		}
	}
	if err := json.Unmarshal(raw, entity); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", errUsage, kind, err)
	}

	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	stamp, err := a.stamp(ctx, s.svc, *token)
	if err != nil {
		return err
	}
	created, err := s.svc.Create(ctx, entity, stamp)
	if err != nil {
		return err
	}
	return a.print(created)
}

// setFlag collects repeated -set column=value pairs.
type setFlag models.Fields

func (f setFlag) String() string { return fmt.Sprint(models.Fields(f)) }

func (f setFlag) Set(s string) error {
	column, value, ok := strings.Cut(s, "=")
	if !ok || column == "" {
		return fmt.Errorf("expected column=value, got %q", s)
	}
	f[column] = value
	return nil
}

func (a *app) update(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	kindName, key := recordFlags(fs)
	fields := setFlag{}
	fs.Var(fields, "set", "column=value, repeatable")
	token := fs.String("token", "", "actor token")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	kind, err := models.ParseKind(*kindName)
	if err != nil {
		return err
	}
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	stamp, err := a.stamp(ctx, s.svc, *token)
	if err != nil {
		return err
	}
	updated, err := s.svc.Update(ctx, kind, models.Key(*key), models.Fields(fields), stamp)
	if err != nil {
		return err
	}
	return a.print(updated)
}

func (a *app) get(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	kindName, key := recordFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	kind, err := models.ParseKind(*kindName)
	if err != nil {
		return err
	}
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	entity, err := s.svc.Resolve(ctx, kind, models.Key(*key))
	if err != nil {
		return err
	}
	return a.print(entity)
}

func (a *app) list(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	kindName := fs.String("kind", "", "entity kind")
	active := fs.Bool("active", false, "only records that are not retired")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	kind, err := models.ParseKind(*kindName)
	if err != nil {
		return err
	}
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	entities, err := s.svc.List(ctx, kind, *active)
	if err != nil {
		return err
	}
	return a.print(entities)
}

func (a *app) retire(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("retire", flag.ContinueOnError)
	kindName, key := recordFlags(fs)
	token := fs.String("token", "", "actor token")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	kind, err := models.ParseKind(*kindName)
	if err != nil {
		return err
	}
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	stamp, err := a.stamp(ctx, s.svc, *token)
	if err != nil {
		return err
	}
	retired, err := s.svc.Retire(ctx, kind, models.Key(*key), stamp)
	if err != nil {
		return err
	}
	return a.print(retired)
}

func (a *app) delete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	kindName, key := recordFlags(fs)
	token := fs.String("token", "", "actor token")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	kind, err := models.ParseKind(*kindName)
	if err != nil {
		return err
	}
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	stamp, err := a.stamp(ctx, s.svc, *token)
	if err != nil {
		return err
	}
	if err := s.svc.Delete(ctx, kind, models.Key(*key), stamp); err != nil {
		return err
	}
	a.logger.Info("record deleted", zap.String("kind", string(kind)), zap.String("key", *key))
	return nil
}

func (a *app) openArchive(ctx context.Context) (*archive.Archive, bool, error) {
	cfg, ok := a.cfg.Archive()
	if !ok {
		return nil, false, nil
	}
	arc, err := archive.New(ctx, cfg, a.logger)
	if err != nil {
		return nil, false, err
	}
	return arc, true, nil
}

func (a *app) audit(ctx context.Context, args []string) error {
	if err := parseFlags(flag.NewFlagSet("audit", flag.ContinueOnError), args); err != nil {
		return err
	}
	if len(a.cfg.KafkaBrokers) == 0 {
		return fmt.Errorf("%w: KAFKA_BROKERS is not configured", errUsage)
	}
	arc, archiving, err := a.openArchive(ctx)
	if err != nil {
		return err
	}

	consumer := events.NewConsumer(a.cfg.KafkaBrokers, a.cfg.ConsumerGroup, a.cfg.Topic, a.logger)
	defer consumer.Close()
	consumer.RegisterHandler(func(ctx context.Context, ev events.Event) error {
		a.logger.Info("audit event",
			zap.String("event_type", string(ev.Type)),
			zap.String("key", ev.MessageKey()),
			zap.String("actor", string(ev.Actor)),
			zap.Time("occurred_at", ev.OccurredAt),
		)
		if archiving {
			return arc.Store(ctx, ev)
		}
		return nil
	})
	a.logger.Info("consuming audit events", zap.String("topic", a.cfg.Topic), zap.Bool("archiving", archiving))
	consumer.Run(ctx)
	return nil
}

func (a *app) history(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	kindName, key := recordFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	kind, err := models.ParseKind(*kindName)
	if err != nil {
		return err
	}
	arc, ok, err := a.openArchive(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: ARCHIVE_BUCKET is not configured", errUsage)
	}
	history, err := arc.History(ctx, kind, models.Key(*key))
	if err != nil {
		return err
	}
	return a.print(history)
}

func (a *app) report(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	batchKey := fs.String("batch", "", "batch id")
	file := fs.String("file", "", "output .xlsx file")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("%w: -file is required", errUsage)
	}
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	entity, err := s.svc.Resolve(ctx, models.KindBatch, models.Key(*batchKey))
	if err != nil {
		return err
	}
	batch := entity.(*models.Batch)
	all, err := s.svc.List(ctx, models.KindResult, false)
	if err != nil {
		return err
	}
	var results []*models.Result
	for _, ent := range all {
		if r := ent.(*models.Result); r.BatchID == batch.ID {
			results = append(results, r)
		}
	}

	data, err := report.BatchResults(batch, results)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*file, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	a.logger.Info("report written", zap.String("file", *file), zap.Int("results", len(results)))
	return nil
}

func (a *app) token(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	id := fs.String("actor", "", "actor id")
	name := fs.String("name", "", "actor username")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	token, err := auth.GenerateToken(models.Actor{ID: models.ActorID(*id), Username: *name}, a.cfg.JWTSecret, a.cfg.TokenTTL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.out, token)
	return err
}
