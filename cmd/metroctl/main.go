// cmd/metroctl/main.go
//
// metroctl drives a planned metro-availability failover: evacuate the VMs off
// the local half of each metro datastore, promote the protection domains on
// the remote cluster, re-enable replication, and optionally take the local
// hosts down for maintenance.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/stonefell/metroctl/internal/compute"
	"github.com/stonefell/metroctl/internal/config"
	"github.com/stonefell/metroctl/internal/creds"
	"github.com/stonefell/metroctl/internal/evacuate"
	"github.com/stonefell/metroctl/internal/failover"
	"github.com/stonefell/metroctl/internal/prism"
	"github.com/stonefell/metroctl/internal/sequence"
	"github.com/stonefell/metroctl/internal/shell"
	"github.com/stonefell/metroctl/internal/topology"
	"github.com/stonefell/metroctl/internal/wait"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

type options struct {
	cluster  string
	username string
	password string

	prismCreds   string
	vcenterCreds string
	cvmCreds     string

	domains        string
	action         string
	skipFailover   bool
	reEnableOnly   bool
	shutdownUvms   bool
	resetOverrides bool
	timer          int
	timerSet       bool

	storeCreds string

	configPath string
	interval   time.Duration
	deadline   time.Duration
	debug      bool
}

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("metroctl", flag.ContinueOnError)
	opts := &options{}

	fs.StringVar(&opts.cluster, "cluster", "", "address of the local Nutanix cluster (FQDN or IP)")
	fs.StringVar(&opts.username, "username", "", "Prism username (prompts for the password if -password is empty)")
	fs.StringVar(&opts.password, "password", "", "Prism password (prefer -prismCreds over putting this in shell history)")
	fs.StringVar(&opts.prismCreds, "prismCreds", "", "name of a stored Prism credential")
	fs.StringVar(&opts.vcenterCreds, "vcenterCreds", "", "name of a stored vCenter credential")
	fs.StringVar(&opts.cvmCreds, "cvmCreds", "", "name of a stored controller-VM SSH credential")
	fs.StringVar(&opts.domains, "pd", "", "protection domains to process: comma-separated names, or \"all\"")
	fs.StringVar(&opts.action, "action", "", "post-failover host phase: maintenance or shutdown")
	fs.BoolVar(&opts.skipFailover, "skipfailover", false, "skip the metro failover steps (resume after a prior partial run)")
	fs.BoolVar(&opts.reEnableOnly, "reEnableOnly", false, "only re-enable replication on disabled active domains")
	fs.BoolVar(&opts.shutdownUvms, "shutdownUvms", false, "shut down guest VMs still running on local hosts instead of aborting")
	fs.BoolVar(&opts.resetOverrides, "resetOverrides", false, "reset DRS automation overrides without asking")
	fs.IntVar(&opts.timer, "timer", 300, "seconds to wait for guest shutdown before forcing power off")
	fs.StringVar(&opts.storeCreds, "storeCreds", "", "save an encrypted credential under this name, then exit")
	fs.StringVar(&opts.configPath, "config", "", "path to an optional yaml configuration file")
	fs.DurationVar(&opts.interval, "interval", 0, "override the convergence poll interval")
	fs.DurationVar(&opts.deadline, "deadline", 0, "bound every convergence wait (default: wait forever)")
	fs.BoolVar(&opts.debug, "debug", false, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "timer" {
			opts.timerSet = true
		}
	})
	return opts, nil
}

// validate checks flag consistency before any credential prompt or network
// call, so a bad invocation fails in milliseconds.
func validate(opts *options) error {
	if opts.cluster == "" {
		return fmt.Errorf("-cluster is required")
	}
	if opts.domains == "" {
		return fmt.Errorf("-pd is required: a comma-separated list of protection domains, or \"all\"")
	}
	switch sequence.Action(opts.action) {
	case sequence.ActionNone, sequence.ActionMaintenance, sequence.ActionShutdown:
	default:
		return fmt.Errorf("-action must be maintenance or shutdown, got %q", opts.action)
	}
	if opts.action != "" && !strings.EqualFold(opts.domains, "all") {
		return fmt.Errorf("-action %s takes the whole cluster down and therefore requires -pd all", opts.action)
	}
	if opts.reEnableOnly && opts.action != "" {
		return fmt.Errorf("-reEnableOnly does not fail anything over; it cannot be combined with -action")
	}
	if opts.reEnableOnly && opts.skipFailover {
		return fmt.Errorf("-reEnableOnly and -skipfailover are mutually exclusive")
	}
	if opts.timer < 0 {
		return fmt.Errorf("-timer must not be negative")
	}
	return nil
}

func selection(opts *options) topology.Selection {
	sel := topology.Selection{
		All:          strings.EqualFold(opts.domains, "all"),
		SkipFailover: opts.skipFailover,
		ReEnableOnly: opts.reEnableOnly,
		HostAction:   opts.action != "",
	}
	if !sel.All {
		for _, name := range strings.Split(opts.domains, ",") {
			if name = strings.TrimSpace(name); name != "" {
				sel.Domains = append(sel.Domains, name)
			}
		}
	}
	return sel
}

func newLogger(debug bool, level string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.Set(level); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
	}
	if debug {
		lvl = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// prompter gathers interactive input; secrets bypass the scanner so they do
// not echo.
type prompter struct {
	in *bufio.Scanner
}

func newPrompter() *prompter {
	return &prompter{in: bufio.NewScanner(os.Stdin)}
}

func (p *prompter) line(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	if !p.in.Scan() {
		return "", fmt.Errorf("stdin closed while reading %s", label)
	}
	return strings.TrimSpace(p.in.Text()), nil
}

func (p *prompter) secret(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		// Piped input (tests, automation): fall back to a plain line.
		return p.line("")
	}
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", label, err)
	}
	return string(b), nil
}

// credential resolves one endpoint's login: a stored encrypted credential when
// a name was given, interactive prompts otherwise.
func (p *prompter) credential(store *creds.Store, name, what, user, password string) (creds.Credential, error) {
	if name != "" {
		pass := os.Getenv("METROCTL_PASSPHRASE")
		if pass == "" {
			var err error
			pass, err = p.secret(fmt.Sprintf("passphrase for credential %q", name))
			if err != nil {
				return creds.Credential{}, err
			}
		}
		return store.Load(name, pass)
	}
	var err error
	if user == "" {
		if user, err = p.line(what + " username"); err != nil {
			return creds.Credential{}, err
		}
	}
	if password == "" {
		if password, err = p.secret(what + " password"); err != nil {
			return creds.Credential{}, err
		}
	}
	return creds.Credential{Username: user, Password: password}, nil
}

func (p *prompter) decide(vm compute.VMFacts, level string) bool {
	answer, err := p.line(fmt.Sprintf("VM %s has DRS automation override %q; reset it to the cluster default? [y/N]", vm.Name, level))
	if err != nil {
		return false
	}
	return strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes")
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if opts.storeCreds != "" {
		if err := storeCredential(opts); err != nil {
			fmt.Fprintln(os.Stderr, "metroctl:", err)
			os.Exit(1)
		}
		return
	}
	if err := validate(opts); err != nil {
		fmt.Fprintln(os.Stderr, "metroctl:", err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "metroctl:", err)
		os.Exit(1)
	}
}

// storeCredential interactively saves one username/password pair so later
// runs can reference it by name instead of prompting.
func storeCredential(opts *options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	credDir := cfg.CredentialDir
	if credDir == "" {
		credDir = creds.DefaultDir()
	}

	prompt := newPrompter()
	user, err := prompt.line("username")
	if err != nil {
		return err
	}
	password, err := prompt.secret("password")
	if err != nil {
		return err
	}
	passphrase, err := prompt.secret("passphrase to encrypt the credential")
	if err != nil {
		return err
	}
	confirm, err := prompt.secret("passphrase (again)")
	if err != nil {
		return err
	}
	if passphrase != confirm {
		return fmt.Errorf("passphrases do not match")
	}

	store := creds.NewStore(credDir)
	if err := store.Save(opts.storeCreds, passphrase, creds.Credential{Username: user, Password: password}); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "credential %q stored in %s\n", opts.storeCreds, credDir)
	return nil
}

func run(opts *options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.interval > 0 {
		cfg.PollInterval = opts.interval
	}
	if opts.deadline > 0 {
		cfg.PollDeadline = opts.deadline
	}
	if opts.timerSet {
		cfg.ShutdownTimer = time.Duration(opts.timer) * time.Second
	}
	credDir := cfg.CredentialDir
	if credDir == "" {
		credDir = creds.DefaultDir()
	}

	logger, err := newLogger(opts.debug, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := creds.NewStore(credDir)
	prompt := newPrompter()

	prismCred, err := prompt.credential(store, opts.prismCreds, "Prism", opts.username, opts.password)
	if err != nil {
		return err
	}
	vcCred, err := prompt.credential(store, opts.vcenterCreds, "vCenter", "", "")
	if err != nil {
		return err
	}
	action := sequence.Action(opts.action)
	var cvmCred creds.Credential
	if action != sequence.ActionNone {
		cvmCred, err = prompt.credential(store, opts.cvmCreds, "controller VM", cfg.CVMUser, "")
		if err != nil {
			return err
		}
	}

	started := time.Now()

	local := prism.NewClient(opts.cluster, prismCred.Username, prismCred.Password,
		prism.WithRateLimit(cfg.PrismRateLimit), prism.WithLogger(logger))
	dial := func(addr string) prism.API {
		return prism.NewClient(addr, prismCred.Username, prismCred.Password,
			prism.WithRateLimit(cfg.PrismRateLimit), prism.WithLogger(logger))
	}
	poller := wait.New(
		wait.WithInterval(cfg.PollInterval),
		wait.WithDeadline(cfg.PollDeadline),
		wait.WithLogger(logger))

	sel := selection(opts)
	facts, err := topology.NewResolver(local, dial, nil, logger).Gather(ctx, sel)
	if err != nil {
		return err
	}

	vc, err := compute.Connect(ctx, facts.Local.Info.ManagementServers[0].IPAddress,
		vcCred.Username, vcCred.Password, logger)
	if err != nil {
		return err
	}
	defer func() { _ = vc.Close(context.Background()) }()

	resolver := topology.NewResolver(local, dial, vc, logger)
	if err := resolver.ResolveCompute(ctx, facts, sel); err != nil {
		return err
	}

	if opts.reEnableOnly {
		engine := failover.New(facts.Local.API, facts.Remote.API, poller, logger)
		if err := engine.ReEnableOnly(ctx, facts.Domains); err != nil {
			return err
		}
		logger.Info("replication re-enabled", zap.Duration("elapsed", time.Since(started).Round(time.Second)))
		return nil
	}

	decide := evacuate.Decision(prompt.decide)
	if opts.resetOverrides {
		decide = evacuate.AutoApprove
	}
	coordinator := evacuate.New(vc, poller, decide, logger)
	report, err := coordinator.Evacuate(ctx, evacuate.Plan{
		Containers:        facts.Containers,
		RemoteClusterName: facts.Remote.Info.Name,
		Cluster:           facts.Compute.Ref,
		LocalHosts:        facts.LocalHosts,
		RemoteHosts:       facts.RemoteHosts,
	})
	if err != nil {
		return err
	}
	for _, vm := range report.Flagged {
		logger.Warn("VM needs manual attention", zap.String("vm", vm))
	}

	if !opts.skipFailover {
		engine := failover.New(facts.Local.API, facts.Remote.API, poller, logger)
		if err := engine.Run(ctx, facts.Domains); err != nil {
			return err
		}
	}

	if action != sequence.ActionNone {
		if err := runSequence(ctx, cfg, action, facts, vc, cvmCred, logger, opts); err != nil {
			return err
		}
	}

	logger.Info("run complete", zap.Duration("elapsed", time.Since(started).Round(time.Second)))
	return nil
}

func runSequence(ctx context.Context, cfg *config.Config, action sequence.Action,
	facts *topology.Facts, vc compute.Manager, cvmCred creds.Credential,
	logger *zap.Logger, opts *options) error {

	cvms := facts.Local.CVMAddresses()
	if len(cvms) == 0 {
		return fmt.Errorf("no controller-VM address known for cluster %s", facts.Local.Info.Name)
	}
	sh, err := shell.Dial(cvms[0], cvmCred.Username, cvmCred.Password, cfg.SSHTimeout, logger)
	if err != nil {
		return err
	}
	defer func() { _ = sh.Close() }()

	plan := sequence.Plan{
		LocalHosts:   facts.LocalHosts,
		CVMAddress:   cvms[0],
		ShutdownUvms: opts.shutdownUvms,
		RestartIPs:   restartAddresses(facts.Local),
	}

	seq := sequence.New(vc, sh,
		sequence.WithShutdownTimer(cfg.ShutdownTimer),
		sequence.WithCVMWait(cfg.CVMShutdownWait),
		sequence.WithLogger(logger))
	if err := seq.Run(ctx, action, plan); err != nil {
		return err
	}

	if action == sequence.ActionShutdown {
		fmt.Println("Local hosts are powered off. Addresses to bring the site back:")
		for _, ip := range plan.RestartIPs {
			fmt.Println("  ", ip)
		}
	}
	return nil
}

// restartAddresses lists what the operator needs to power the site back on:
// each node's IPMI, hypervisor and controller-VM address.
func restartAddresses(side topology.Side) []string {
	var out []string
	for _, h := range side.Hosts {
		if h.IPMIAddress != "" {
			out = append(out, fmt.Sprintf("%s (IPMI of %s)", h.IPMIAddress, h.Name))
		}
		if h.HypervisorAddress != "" {
			out = append(out, fmt.Sprintf("%s (hypervisor %s)", h.HypervisorAddress, h.Name))
		}
		if h.ServiceVMExternalIP != "" {
			out = append(out, fmt.Sprintf("%s (controller VM)", h.ServiceVMExternalIP))
		}
	}
	return out
}
