package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amirphl/bracket-trader/internal/config"
	"github.com/amirphl/bracket-trader/internal/db"
	"github.com/amirphl/bracket-trader/internal/db/conf"
	"github.com/amirphl/bracket-trader/internal/exchange"
	"github.com/amirphl/bracket-trader/internal/journal"
	"github.com/amirphl/bracket-trader/internal/market"
	"github.com/amirphl/bracket-trader/internal/notifier"
	"github.com/amirphl/bracket-trader/internal/oco"
	"github.com/amirphl/bracket-trader/internal/order"
	"github.com/amirphl/bracket-trader/internal/session"
	"github.com/amirphl/bracket-trader/internal/tracker"
	"github.com/amirphl/bracket-trader/internal/utils"
)

const helpText = `Commands:
  <SYMBOL>                      start a bracket trade (you are asked for side, quantity, SL and target points)
  status                        show the active trade, or the last finished one
  history                       show the journal of the last trade
  fill entry|sl|target [qty] [price]   DEMO: fill an order of the active trade
  reject entry|sl|target        DEMO: reject an order of the active trade
  help                          this text
  quit | exit | q               cancel open orders and exit`

func main() {
	// Load configuration
	cfg := config.MustLoadConfig()
	utils.SetLogOutput(cfg.LogFile, cfg.LogLevel)
	logger := utils.GetLogger()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting bracket trader", zap.String("mode", cfg.Mode), zap.String("feed", cfg.Feed))

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Set up notification system
	console := notifier.NewConsoleNotifier(os.Stdout, os.Getenv("NO_COLOR") == "")
	var notify notifier.Notifier = console
	if cfg.TelegramToken != "" {
		notify = notifier.Multi{console, notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID)}
		logger.Info("telegram alerts enabled")
	}

	storage, closeStorage, err := openStorage(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize trade journal: %v", err)
	}
	defer closeStorage()

	journals := journal.Multi{storage}
	if len(cfg.KafkaBrokers) > 0 {
		publisher := journal.NewKafkaPublisher(journal.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), logger)
		defer publisher.Close()
		journals = append(journals, publisher)
		logger.Info("kafka event stream enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	gw, feed, sim, err := openGateway(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}

	sess := session.New(gw, tracker.New(logger), feed, notify, journals, logger, cfg.OCOConfig())

	app := &cli{
		cfg:     cfg,
		sess:    sess,
		sim:     sim,
		storage: storage,
		log:     logger,
		out:     os.Stdout,
		watched: make(map[string]bool),
		lines:   readLines(os.Stdin),
		signals: sigCh,
	}

	fmt.Fprintf(app.out, "Bracket trader (%s mode, gateway %s). Type help for commands.\n", strings.ToUpper(cfg.Mode), gw.Name())
	if cfg.Symbol != "" {
		app.watch(ctx, cfg.Symbol)
	}

	reason := app.run(ctx)
	logger.Info("shutting down", zap.String("reason", reason))
	fmt.Fprintf(app.out, "\nShutting down (%s)...\n", reason)

	// the manager bounds its own wait by ShutdownTimeout; this is the outer guard
	sctx, scancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+5*time.Second)
	defer scancel()
	g, err := sess.Shutdown(sctx)
	if err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
	}
	if g != nil {
		fmt.Fprintln(app.out, g.Summary())
	}
	cancel()
}

func openStorage(ctx context.Context, cfg config.Config, logger *zap.Logger) (db.Storage, func(), error) {
	if cfg.DBConnStr == "" {
		logger.Info("no database configured, journal kept in memory")
		return db.NewMemory(), func() {}, nil
	}

	// Run migrations if enabled
	if cfg.RunMigration {
		schemaPath, err := conf.FindSchema()
		if err != nil {
			return nil, nil, err
		}
		if err := db.RunMigrations(ctx, cfg.DBConnStr, schemaPath, logger); err != nil {
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
	}

	// Initialize database connection
	dbConfig, err := conf.NewConfig(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		return nil, nil, err
	}
	storage, err := db.New(*dbConfig)
	if err != nil {
		dbConfig.DB.Close()
		return nil, nil, err
	}
	logger.Info("connected to postgres trade journal")
	return storage, func() { dbConfig.DB.Close() }, nil
}

// openGateway returns the broker gateway and price feed for the configured
// mode. The simulator is nil in LIVE mode.
func openGateway(cfg config.Config, logger *zap.Logger) (exchange.Gateway, exchange.PriceFeed, *exchange.Simulator, error) {
	if cfg.Mode == config.ModeLive {
		gw, err := exchange.NewWallexGateway(cfg.WallexAPIKey, cfg.StatusCacheTTL, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		if cfg.Feed == config.FeedPoll {
			return gw, exchange.NewPollingFeed(gw, cfg.FeedInterval, logger), nil, nil
		}
		return gw, exchange.NewWebsocketFeed(logger), nil, nil
	}

	sim := exchange.NewSimulator(logger, cfg.DemoAutoFill)
	start := decimal.NewFromFloat(cfg.DemoStartPrice)
	switch cfg.Feed {
	case config.FeedPoll:
		if cfg.Symbol != "" {
			sim.SetPrice(cfg.Symbol, start)
		}
		return sim, exchange.NewPollingFeed(sim, cfg.FeedInterval, logger), sim, nil
	case config.FeedWebsocket:
		return sim, exchange.NewMirrorFeed(exchange.NewWebsocketFeed(logger), sim), sim, nil
	}
	return sim, exchange.NewSyntheticFeed(sim, start, cfg.DemoVolatility, cfg.FeedInterval), sim, nil
}

// readLines delivers stdin line by line. The channel is closed on EOF.
func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			out <- strings.TrimSpace(sc.Text())
		}
	}()
	return out
}

var errQuit = errors.New("quit")

type cli struct {
	cfg     config.Config
	sess    *session.Session
	sim     *exchange.Simulator
	storage db.Storage
	log     *zap.Logger
	out     io.Writer

	lines   <-chan string
	signals <-chan os.Signal

	mu      sync.Mutex
	prompt  string
	symbol  string
	watched map[string]bool
}

// run is the operator loop. It returns the reason it stopped.
func (c *cli) run(ctx context.Context) string {
	for {
		line, err := c.ask("> ")
		if err != nil {
			return err.Error()
		}
		if line == "" {
			continue
		}
		if err := c.command(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				return "operator quit"
			}
			if reason, stop := stopReason(err); stop {
				return reason
			}
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
	}
}

type stopError struct{ reason string }

func (e *stopError) Error() string { return e.reason }

func stopReason(err error) (string, bool) {
	var se *stopError
	if errors.As(err, &se) {
		return se.reason, true
	}
	return "", false
}

// ask prints prompt and waits for one line, a signal or EOF.
func (c *cli) ask(prompt string) (string, error) {
	c.mu.Lock()
	c.prompt = prompt
	c.mu.Unlock()
	fmt.Fprint(c.out, prompt)

	select {
	case line, ok := <-c.lines:
		if !ok {
			return "", &stopError{reason: "end of input"}
		}
		return line, nil
	case sig := <-c.signals:
		return "", &stopError{reason: fmt.Sprintf("received %v", sig)}
	}
}

func (c *cli) command(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "quit", "exit", "q":
		return errQuit
	case "help", "?":
		fmt.Fprintln(c.out, helpText)
		return nil
	case "status":
		c.status()
		return nil
	case "history":
		return c.history(ctx)
	case "fill":
		return c.demoAction(fields[1:], true)
	case "reject":
		return c.demoAction(fields[1:], false)
	}
	if len(fields) != 1 || !order.ValidSymbol(strings.ToUpper(fields[0])) {
		return fmt.Errorf("unknown command or invalid symbol %q, type help", line)
	}
	return c.trade(ctx, strings.ToUpper(fields[0]))
}

// trade collects the remaining inputs for symbol and submits the trade.
func (c *cli) trade(ctx context.Context, symbol string) error {
	c.watch(ctx, symbol)

	var side order.Side
	for {
		in, err := c.ask("Side (B/S): ")
		if err != nil {
			return err
		}
		s, ok := order.ParseSide(in)
		if ok {
			side = s
			break
		}
		fmt.Fprintln(c.out, "Enter B, BUY, S or SELL")
	}
	qty, err := c.askInt("Quantity: ")
	if err != nil {
		return err
	}
	sl, err := c.askDecimal("Stop-loss points: ")
	if err != nil {
		return err
	}
	target, err := c.askDecimal("Target points: ")
	if err != nil {
		return err
	}

	req, err := c.sess.NewRequest(ctx, symbol, side, qty, sl, target)
	if err != nil {
		return err
	}
	m, err := c.sess.Submit(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Trade %s started: %s %d %s, SL %s pts, target %s pts, ref %s\n",
		m.ID(), side, qty, symbol, sl, target, req.ReferencePrice.StringFixed(2))
	return nil
}

func (c *cli) askInt(prompt string) (int64, error) {
	for {
		in, err := c.ask(prompt)
		if err != nil {
			return 0, err
		}
		n, perr := strconv.ParseInt(in, 10, 64)
		if perr == nil && n > 0 {
			return n, nil
		}
		fmt.Fprintln(c.out, "Enter a positive whole number")
	}
}

func (c *cli) askDecimal(prompt string) (decimal.Decimal, error) {
	for {
		in, err := c.ask(prompt)
		if err != nil {
			return decimal.Zero, err
		}
		d, perr := decimal.NewFromString(in)
		if perr == nil && d.IsPositive() {
			return d, nil
		}
		fmt.Fprintln(c.out, "Enter a positive number")
	}
}

// watch starts the LTP display for symbol. Feeds are not restartable, so a
// symbol is streamed at most once per run.
func (c *cli) watch(ctx context.Context, symbol string) {
	c.mu.Lock()
	c.symbol = symbol
	seen := c.watched[symbol]
	c.watched[symbol] = true
	c.mu.Unlock()
	if seen {
		return
	}
	if err := c.sess.Watch(ctx, symbol, c.showTick); err != nil {
		c.log.Warn("price feed unavailable", zap.String("symbol", symbol), zap.Error(err))
		fmt.Fprintf(c.out, "No price feed for %s: %v\n", symbol, err)
	}
}

// showTick redraws the LTP line of the current symbol in place.
func (c *cli) showTick(t market.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Symbol != c.symbol {
		return
	}
	fmt.Fprintf(c.out, "\r\033[K%s  %s", t.Display(), c.prompt)
}

func (c *cli) status() {
	if g, ok := c.sess.Active(); ok {
		fmt.Fprintln(c.out, g.Summary())
		return
	}
	if g, ok := c.sess.Last(); ok {
		fmt.Fprintln(c.out, "No active trade. Last trade:")
		fmt.Fprintln(c.out, g.Summary())
		return
	}
	fmt.Fprintln(c.out, "No trade yet.")
}

func (c *cli) history(ctx context.Context) error {
	g, ok := c.sess.Active()
	if !ok {
		g, ok = c.sess.Last()
	}
	if !ok {
		fmt.Fprintln(c.out, "No trade yet.")
		return nil
	}
	events, err := c.storage.GetEvents(ctx, g.ID)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	for _, e := range events {
		fmt.Fprintf(c.out, "%s  %-14s %s\n", e.Time.Local().Format("15:04:05.000"), e.Type, e.Description)
	}
	return nil
}

// demoAction fills or rejects an order of the active trade on the simulator.
func (c *cli) demoAction(args []string, fill bool) error {
	if c.sim == nil {
		return errors.New("fill and reject only work in DEMO mode")
	}
	if len(args) == 0 {
		return errors.New("usage: fill entry|sl|target [qty] [price] or reject entry|sl|target")
	}
	g, ok := c.sess.Active()
	if !ok {
		return errors.New("no active trade")
	}
	o, err := orderFor(g, args[0])
	if err != nil {
		return err
	}
	if !fill {
		return c.sim.Reject(o.ID)
	}

	var qty int64
	price := decimal.Zero
	if len(args) > 1 {
		if qty, err = strconv.ParseInt(args[1], 10, 64); err != nil {
			return fmt.Errorf("quantity %q: %w", args[1], err)
		}
	}
	if len(args) > 2 {
		if price, err = decimal.NewFromString(args[2]); err != nil {
			return fmt.Errorf("price %q: %w", args[2], err)
		}
	}
	return c.sim.Fill(o.ID, qty, price)
}

func orderFor(g oco.Group, which string) (order.Order, error) {
	switch strings.ToLower(which) {
	case "entry", "e":
		return g.Entry, nil
	case "sl", "stop", "stoploss", "stop_loss":
		if g.StopLoss != nil {
			return *g.StopLoss, nil
		}
	case "target", "t", "tp":
		if g.Target != nil {
			return *g.Target, nil
		}
	default:
		return order.Order{}, fmt.Errorf("unknown order %q, use entry, sl or target", which)
	}
	return order.Order{}, fmt.Errorf("%s leg is not placed yet", which)
}
