package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/subcommands"
	"github.com/lorentz83/watttime/ha"
	"github.com/lorentz83/watttime/parse"
	"github.com/lorentz83/watttime/wattlib"
	"gopkg.in/yaml.v2"
)

const loginGuidance = `You will need to fix your login credentials (the -username and -password
flags, or the WATTTIME_PASS environment variable) before you can query other
endpoints. Make sure that you have registered at least once with the register command.`

const subscriptionNote = "Please note: the following endpoints require a WattTime subscription"

// console is where commands write their output. Nil writers mean the
// standard streams.
type console struct {
	out, err io.Writer
}

func (c console) stdout() io.Writer {
	if c.out == nil {
		return os.Stdout
	}
	return c.out
}

func (c console) stderr() io.Writer {
	if c.err == nil {
		return os.Stderr
	}
	return c.err
}

func (c console) errorf(format string, a ...interface{}) {
	fmt.Fprintf(c.stderr(), "ERROR: "+format+"\n", a...)
}

// authFlags are the flags required to log in.
type authFlags struct {
	apiURL, username, password string
}

func (a *authFlags) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&a.apiURL, "api_url", wattlib.DefaultBaseURL, "the WattTime API address")
	fs.StringVar(&a.username, "username", "YOUR USERNAME HERE", "your WattTime user name")
	fs.StringVar(&a.password, "password", "", "your WattTime password, or set WATTTIME_PASS in your environment")
}

func (a *authFlags) client(log *slog.Logger) *wattlib.Client {
	c := wattlib.NewClient(a.apiURL)
	c.Log = log
	return c
}

func (a *authFlags) login(ctx context.Context, log *slog.Logger) (*wattlib.Client, string, error) {
	c := a.client(log)
	token, err := c.Login(ctx, a.username, a.password)
	if err != nil {
		return nil, "", err
	}
	log.Debug("logged in", "user", a.username)
	return c, token, nil
}

// queryFlags select the region and time range.
type queryFlags struct {
	region, start, end string
}

func (q *queryFlags) SetFlags(fs *flag.FlagSet, withRange bool) {
	fs.StringVar(&q.region, "region", "CAISO_ZP26", "your grid region (balancing authority)")
	if withRange {
		// The quotes in the default start are sent as they are, the API rejects the value.
		fs.StringVar(&q.start, "start", "'2020-03-01T00:00:00-0000'", "start time, UTC offset of 0")
		fs.StringVar(&q.end, "end", "2020-03-01T00:45:00-0000", "end time, UTC offset of 0")
	}
}

// outputFlags control how JSON payloads are printed.
type outputFlags struct {
	format string
}

func (o *outputFlags) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.format, "format", "json", "output format: json or yaml")
}

func (o *outputFlags) validate() error {
	switch o.format {
	case "json", "yaml":
		return nil
	}
	return fmt.Errorf("invalid format %q (allowed: json, yaml)", o.format)
}

func (o *outputFlags) print(w io.Writer, v any) error {
	var (
		b   []byte
		err error
	)
	if o.format == "yaml" {
		b, err = yaml.Marshal(plainNumbers(v))
	} else {
		b, err = json.MarshalIndent(v, "", "  ")
		b = append(b, '\n')
	}
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// plainNumbers replaces json.Number with int64 or float64, which yaml
// would otherwise quote as strings.
func plainNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = plainNumbers(e)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, e := range t {
			l[i] = plainNumbers(e)
		}
		return l
	}
	return v
}

type registerCmd struct {
	console
	auth       authFlags
	email, org string
}

func (registerCmd) Name() string { return "register" }

func (registerCmd) Synopsis() string { return "create a new WattTime account" }

func (registerCmd) Usage() string {
	return `register <flags>

Registers the account. It is required only once.
The password can be provided as environment variable as well.

`
}

func (c *registerCmd) SetFlags(fs *flag.FlagSet) {
	c.auth.SetFlags(fs)
	fs.StringVar(&c.email, "email", "some_email@gmail.com", "your email address")
	fs.StringVar(&c.org, "org", "some org name", "your organization")
}

func (c *registerCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if err := ensureFlagsAreSet(f, "username", "password", "email"); err != nil {
		c.errorf("%v", err)
		return subcommands.ExitUsageError
	}

	rsp, err := c.auth.client(loggerFrom(args)).Register(ctx, wattlib.Registration{
		Username: c.auth.username,
		Password: c.auth.password,
		Email:    c.email,
		Org:      c.org,
	})
	if err != nil {
		c.errorf("cannot register: %v", err)
		return subcommands.ExitFailure
	}
	fmt.Fprintln(c.stdout(), rsp)
	return subcommands.ExitSuccess
}

type loginCmd struct {
	console
	auth authFlags
}

func (loginCmd) Name() string { return "login" }

func (loginCmd) Synopsis() string { return "print a WattTime access token" }

func (loginCmd) Usage() string {
	return `login <flags>

Prints the bearer token returned by the API.

`
}

func (c *loginCmd) SetFlags(fs *flag.FlagSet) { c.auth.SetFlags(fs) }

func (c *loginCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if err := ensureFlagsAreSet(f); err != nil {
		c.errorf("%v", err)
		return subcommands.ExitUsageError
	}
	_, token, err := c.auth.login(ctx, loggerFrom(args))
	if err != nil {
		c.errorf("%v", err)
		fmt.Fprintln(c.stderr(), loginGuidance)
		return subcommands.ExitFailure
	}
	fmt.Fprintln(c.stdout(), token)
	return subcommands.ExitSuccess
}

// queryCmd is the common implementation of the commands which log in,
// call one endpoint and print the result.
type queryCmd struct {
	console
	auth   authFlags
	query  queryFlags
	output outputFlags
}

func (c *queryCmd) setFlags(fs *flag.FlagSet, withRange bool) {
	c.auth.SetFlags(fs)
	c.query.SetFlags(fs, withRange)
	c.output.SetFlags(fs)
}

func (c *queryCmd) execute(ctx context.Context, f *flag.FlagSet, args []interface{}, call func(context.Context, *wattlib.Client, string) (any, error)) subcommands.ExitStatus {
	if err := ensureFlagsAreSet(f, "region"); err != nil {
		c.errorf("%v", err)
		return subcommands.ExitUsageError
	}
	if err := c.output.validate(); err != nil {
		c.errorf("%v", err)
		return subcommands.ExitUsageError
	}

	client, token, err := c.auth.login(ctx, loggerFrom(args))
	if err != nil {
		c.errorf("%v", err)
		fmt.Fprintln(c.stderr(), loginGuidance)
		return subcommands.ExitFailure
	}
	v, err := call(ctx, client, token)
	if err != nil {
		c.errorf("%v", err)
		return subcommands.ExitFailure
	}
	if err := c.output.print(c.stdout(), v); err != nil {
		c.errorf("cannot print result: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type indexCmd struct{ queryCmd }

func (indexCmd) Name() string { return "index" }

func (indexCmd) Synopsis() string { return "print the real time emissions index of a region" }

func (indexCmd) Usage() string {
	return "index <flags>\n\n"
}

func (c *indexCmd) SetFlags(fs *flag.FlagSet) { c.setFlags(fs, false) }

func (c *indexCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return c.execute(ctx, f, args, func(ctx context.Context, wc *wattlib.Client, token string) (any, error) {
		return wc.Index(ctx, token, c.query.region)
	})
}

type dataCmd struct{ queryCmd }

func (dataCmd) Name() string { return "data" }

func (dataCmd) Synopsis() string { return "print the historical MOER values of a region" }

func (dataCmd) Usage() string {
	return `data <flags>

Requires a WattTime subscription.

`
}

func (c *dataCmd) SetFlags(fs *flag.FlagSet) { c.setFlags(fs, true) }

func (c *dataCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return c.execute(ctx, f, args, func(ctx context.Context, wc *wattlib.Client, token string) (any, error) {
		return wc.Data(ctx, token, c.query.region, c.query.start, c.query.end)
	})
}

type forecastCmd struct{ queryCmd }

func (forecastCmd) Name() string { return "forecast" }

func (forecastCmd) Synopsis() string { return "print the MOER forecast of a region" }

func (forecastCmd) Usage() string {
	return `forecast <flags>

Without -start the most recent forecast is printed, otherwise all the
forecasts generated between -start and -end.
Requires a WattTime subscription.

`
}

func (c *forecastCmd) SetFlags(fs *flag.FlagSet) {
	c.setFlags(fs, false)
	fs.StringVar(&c.query.start, "start", "", "start time, UTC offset of 0")
	fs.StringVar(&c.query.end, "end", "", "end time, UTC offset of 0")
}

func (c *forecastCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return c.execute(ctx, f, args, func(ctx context.Context, wc *wattlib.Client, token string) (any, error) {
		return wc.Forecast(ctx, token, c.query.region, c.query.start, c.query.end)
	})
}

type historicalCmd struct {
	console
	auth  authFlags
	query queryFlags
	dir   string
}

func (historicalCmd) Name() string { return "historical" }

func (historicalCmd) Synopsis() string { return "download the historical data archive of a region" }

func (historicalCmd) Usage() string {
	return `historical <flags>

Writes <region>_historical.zip in -dir, by default the directory of this program.
Requires a WattTime subscription.

`
}

func (c *historicalCmd) SetFlags(fs *flag.FlagSet) {
	c.auth.SetFlags(fs)
	c.query.SetFlags(fs, false)
	fs.StringVar(&c.dir, "dir", "", "output directory (default: the directory of this program)")
}

func (c *historicalCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if err := ensureFlagsAreSet(f, "region"); err != nil {
		c.errorf("%v", err)
		return subcommands.ExitUsageError
	}
	client, token, err := c.auth.login(ctx, loggerFrom(args))
	if err != nil {
		c.errorf("%v", err)
		fmt.Fprintln(c.stderr(), loginGuidance)
		return subcommands.ExitFailure
	}
	if err := saveHistorical(ctx, c.stdout(), client, token, c.query.region, c.dir); err != nil {
		c.errorf("%v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func saveHistorical(ctx context.Context, w io.Writer, client *wattlib.Client, token, ba, dir string) error {
	if dir == "" {
		d, err := wattlib.DefaultOutputDir()
		if err != nil {
			return fmt.Errorf("cannot find the program directory: %w", err)
		}
		dir = d
	}
	data, err := client.Historical(ctx, token, ba)
	if err != nil {
		return fmt.Errorf("cannot download historical data: %w", err)
	}
	path, err := wattlib.WriteHistorical(dir, ba, data)
	if err != nil {
		return fmt.Errorf("cannot write historical data: %w", err)
	}
	fmt.Fprintf(w, "Wrote historical data for %s to %s\n", ba, path)
	return nil
}

type runCmd struct {
	console
	auth   authFlags
	query  queryFlags
	output outputFlags
	dir    string
}

func (runCmd) Name() string { return "run" }

func (runCmd) Synopsis() string { return "query all the endpoints of a region in sequence" }

func (runCmd) Usage() string {
	return `run <flags>

Logs in and prints index, data, the latest forecast and the forecasts
between -start and -end, then saves the historical archive in -dir.
The password can be provided as environment variable as well.
If login fails nothing else is queried and the command exits with a failure
status.

`
}

func (c *runCmd) SetFlags(fs *flag.FlagSet) {
	c.auth.SetFlags(fs)
	c.query.SetFlags(fs, true)
	c.output.SetFlags(fs)
	fs.StringVar(&c.dir, "dir", "", "output directory of the historical archive (default: the directory of this program)")
}

func (c *runCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if err := ensureFlagsAreSet(f, "region"); err != nil {
		c.errorf("%v", err)
		return subcommands.ExitUsageError
	}
	if err := c.output.validate(); err != nil {
		c.errorf("%v", err)
		return subcommands.ExitUsageError
	}

	client, token, err := c.auth.login(ctx, loggerFrom(args))
	if err != nil {
		c.errorf("%v", err)
		fmt.Fprintln(c.stderr(), loginGuidance)
		return subcommands.ExitFailure
	}
	if err := c.sequence(ctx, client, token); err != nil {
		c.errorf("%v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *runCmd) sequence(ctx context.Context, client *wattlib.Client, token string) error {
	q, w := c.query, c.stdout()

	index, err := client.Index(ctx, token, q.region)
	if err != nil {
		return err
	}
	if err := c.output.print(w, index); err != nil {
		return err
	}

	fmt.Fprintln(w, subscriptionNote)

	steps := []func() (any, error){
		func() (any, error) { return client.Data(ctx, token, q.region, q.start, q.end) },
		func() (any, error) { return client.Forecast(ctx, token, q.region, "", "") },
		func() (any, error) { return client.Forecast(ctx, token, q.region, q.start, q.end) },
	}
	for _, step := range steps {
		v, err := step()
		if err != nil {
			return err
		}
		if err := c.output.print(w, v); err != nil {
			return err
		}
	}

	return saveHistorical(ctx, w, client, token, q.region, c.dir)
}

type uploadCmd struct {
	console
	auth                  authFlags
	query                 queryFlags
	server, token, sensor string
	secure                bool
}

func (uploadCmd) Name() string { return "upload" }

func (uploadCmd) Synopsis() string { return "upload the MOER forecast to Home Assistant" }

func (uploadCmd) Usage() string {
	return `upload <flags>

The Home Assistant flags are required, but can be provided as environment
variables (HA_SERVER, HA_TOKEN, HA_SENSOR) as well.
The forecast is averaged per hour and imported as external statistics.
Requires a WattTime subscription.

`
}

func (c *uploadCmd) SetFlags(fs *flag.FlagSet) {
	c.auth.SetFlags(fs)
	c.query.SetFlags(fs, false)
	fs.StringVar(&c.query.start, "start", "", "start time, UTC offset of 0 (default: latest forecast)")
	fs.StringVar(&c.query.end, "end", "", "end time, UTC offset of 0")
	fs.StringVar(&c.server, "ha_server", "", "Home Assistant server name or IP and optionally the port")
	fs.StringVar(&c.token, "ha_token", "", "Home Assistant admin authentication token")
	fs.StringVar(&c.sensor, "ha_sensor", "", "Home Assistant statistic ID used to record the forecast, like sensor.moer")
	fs.BoolVar(&c.secure, "ha_tls", false, "connect to Home Assistant with wss")
}

func (c *uploadCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if err := ensureFlagsAreSet(f, "region", "ha_server", "ha_token", "ha_sensor"); err != nil {
		c.errorf("%v", err)
		return subcommands.ExitUsageError
	}
	log := loggerFrom(args)

	client, token, err := c.auth.login(ctx, log)
	if err != nil {
		c.errorf("%v", err)
		fmt.Fprintln(c.stderr(), loginGuidance)
		return subcommands.ExitFailure
	}

	fmt.Fprintln(c.stdout(), "Downloading forecast...")
	raw, err := client.ForecastRaw(ctx, token, c.query.region, c.query.start, c.query.end)
	if err != nil {
		c.errorf("cannot download forecast: %v", err)
		return subcommands.ExitFailure
	}

	stat, err := c.upload(ctx, log, raw)
	if err != nil {
		c.errorf("%v", err)
		return subcommands.ExitFailure
	}
	fmt.Fprintf(c.stdout(), "Sent %d data points\n", len(stat.Stats))
	return subcommands.ExitSuccess
}

func (c *uploadCmd) upload(ctx context.Context, log *slog.Logger, raw []byte) (ha.Statistics, error) {
	points, err := parse.Forecast(bytes.NewReader(raw))
	if err != nil {
		return ha.Statistics{}, fmt.Errorf("cannot parse forecast: %w", err)
	}
	stat, err := parse.Translate(points)
	if err != nil {
		return stat, fmt.Errorf("cannot parse forecast: %w", err)
	}
	stat.Metadata.StatisticID = c.sensor

	conn, err := ha.NewConnection(ctx, c.server, c.token, c.secure)
	if err != nil {
		return stat, fmt.Errorf("cannot connect to Home Assistant: %w", err)
	}
	defer conn.Close()
	log.Debug("connected to Home Assistant", "version", conn.ServerVersion)

	if err := conn.SendStatistics(ctx, stat); err != nil {
		return stat, fmt.Errorf("cannot send statistics to Home Assistant: %w", err)
	}
	return stat, nil
}
