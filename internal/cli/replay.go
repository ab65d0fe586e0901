package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/couchcryptid/harbor-hazard-core/internal/alerting"
	"github.com/couchcryptid/harbor-hazard-core/internal/credibility"
	"github.com/couchcryptid/harbor-hazard-core/internal/dedup"
	"github.com/couchcryptid/harbor-hazard-core/internal/domain"
	"github.com/couchcryptid/harbor-hazard-core/internal/observability"
	"github.com/couchcryptid/harbor-hazard-core/internal/places"
	"github.com/couchcryptid/harbor-hazard-core/internal/policy"
	"github.com/couchcryptid/harbor-hazard-core/internal/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// subscriptionConfig is a watch area from the config file's subscriptions list.
type subscriptionConfig struct {
	ID          string  `mapstructure:"id"`
	Lat         float64 `mapstructure:"lat"`
	Lng         float64 `mapstructure:"lng"`
	RadiusKm    float64 `mapstructure:"radius_km"`
	MinSeverity string  `mapstructure:"min_severity"`
}

// credibilityConfig seeds a submitter's history before the replay.
type credibilityConfig struct {
	UserID   string `mapstructure:"user_id"`
	Total    int    `mapstructure:"total"`
	Verified int    `mapstructure:"verified"`
}

type replayOptions struct {
	fixture       string
	policyFile    string
	placesFile    string
	format        string
	subscriptions []domain.AlertSubscription
	credibility   []domain.UserCredibility
	logger        *slog.Logger
}

// replayResult is the JSON output of a replay.
type replayResult struct {
	Accepted int                      `json:"accepted"`
	Rejected []rejectedReport         `json:"rejected"`
	Alerts   []domain.Alert           `json:"alerts"`
	Events   []domain.HazardEvent     `json:"events"`
	Users    []domain.UserCredibility `json:"users"`
}

type rejectedReport struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

func newReplayCmd() *cobra.Command {
	var subscribe []string
	cmd := &cobra.Command{
		Use:   "replay FIXTURE",
		Short: "Replay a report fixture through an in-process core",
		Long: `replay submits every record of a JSON fixture, in order, to an
in-process core with the configured policy, safe places, subscriptions and
credibility seeds. It prints the alerts emitted and the final events.

Subscriptions come from the config file's "subscriptions" list and from
repeated --subscribe ID=LAT,LNG,RADIUS_KM[,MIN_SEVERITY] flags.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := replayOptionsFromConfig(args[0], subscribe)
			if err != nil {
				return err
			}
			return runReplay(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("policy", "", "policy YAML file (default: built-in policy)")
	cmd.Flags().String("places", "", "safe places YAML file (default: built-in Mumbai directory)")
	cmd.Flags().StringP("output", "o", "text", "output format: text or json")
	cmd.Flags().StringArrayVar(&subscribe, "subscribe", nil, "add a subscription ID=LAT,LNG,RADIUS_KM[,MIN_SEVERITY]")
	_ = viper.BindPFlag("replay.policy", cmd.Flags().Lookup("policy"))
	_ = viper.BindPFlag("replay.places", cmd.Flags().Lookup("places"))
	_ = viper.BindPFlag("replay.output", cmd.Flags().Lookup("output"))
	return cmd
}

func replayOptionsFromConfig(fixture string, subscribe []string) (replayOptions, error) {
	opts := replayOptions{
		fixture:    fixture,
		policyFile: viper.GetString("replay.policy"),
		placesFile: viper.GetString("replay.places"),
		format:     viper.GetString("replay.output"),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if viper.GetBool("verbose") {
		opts.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	var subs []subscriptionConfig
	if err := viper.UnmarshalKey("subscriptions", &subs); err != nil {
		return opts, fmt.Errorf("read subscriptions: %w", err)
	}
	for _, s := range subs {
		sub, err := toSubscription(s)
		if err != nil {
			return opts, err
		}
		opts.subscriptions = append(opts.subscriptions, sub)
	}
	for _, flag := range subscribe {
		sub, err := parseSubscribeFlag(flag)
		if err != nil {
			return opts, err
		}
		opts.subscriptions = append(opts.subscriptions, sub)
	}

	var seeds []credibilityConfig
	if err := viper.UnmarshalKey("credibility", &seeds); err != nil {
		return opts, fmt.Errorf("read credibility: %w", err)
	}
	for _, c := range seeds {
		opts.credibility = append(opts.credibility, domain.UserCredibility{
			UserID:          c.UserID,
			TotalReports:    c.Total,
			VerifiedReports: c.Verified,
		})
	}
	return opts, nil
}

func toSubscription(s subscriptionConfig) (domain.AlertSubscription, error) {
	sub := domain.AlertSubscription{
		SubscriberID:    s.ID,
		WatchCoordinate: domain.Coordinate{Lat: s.Lat, Lng: s.Lng},
		RadiusKm:        s.RadiusKm,
	}
	if s.MinSeverity != "" {
		sev, err := domain.ParseSeverity(s.MinSeverity)
		if err != nil {
			return sub, fmt.Errorf("subscription %q: %w", s.ID, err)
		}
		sub.MinSeverity = sev
	}
	return sub, nil
}

// parseSubscribeFlag parses ID=LAT,LNG,RADIUS_KM[,MIN_SEVERITY].
func parseSubscribeFlag(v string) (domain.AlertSubscription, error) {
	id, area, ok := strings.Cut(v, "=")
	if !ok || strings.TrimSpace(id) == "" {
		return domain.AlertSubscription{}, fmt.Errorf("invalid --subscribe %q: want ID=LAT,LNG,RADIUS_KM", v)
	}
	parts := strings.Split(area, ",")
	if len(parts) != 3 && len(parts) != 4 {
		return domain.AlertSubscription{}, fmt.Errorf("invalid --subscribe %q: want ID=LAT,LNG,RADIUS_KM", v)
	}
	nums := make([]float64, 3)
	for i := range nums {
		f, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return domain.AlertSubscription{}, fmt.Errorf("invalid --subscribe %q: %w", v, err)
		}
		nums[i] = f
	}
	s := subscriptionConfig{ID: strings.TrimSpace(id), Lat: nums[0], Lng: nums[1], RadiusKm: nums[2]}
	if len(parts) == 4 {
		s.MinSeverity = strings.TrimSpace(parts[3])
	}
	return toSubscription(s)
}

func runReplay(ctx context.Context, opts replayOptions, w io.Writer) error {
	logger := opts.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	metrics := observability.NewUnregisteredMetrics()

	records, err := readFixture(opts.fixture)
	if err != nil {
		return err
	}
	pol, err := policy.Load(opts.policyFile)
	if err != nil {
		return err
	}

	dir := places.New()
	if opts.placesFile != "" {
		_, err = dir.LoadFile(opts.placesFile)
	} else {
		_, err = dir.LoadDefaults()
	}
	if err != nil {
		return fmt.Errorf("load safe places: %w", err)
	}

	cred := credibility.New()
	for _, u := range opts.credibility {
		if err := cred.Seed(u); err != nil {
			return err
		}
	}

	dispatcher := alerting.NewDispatcher(pol.Dispatch, dir, alerting.NewLog(0), nil, logger, metrics)
	engine, err := dedup.New(dedup.Config{
		Policy:       pol.Dedup,
		Verification: pol.Verification,
	}, cred, dispatcher, logger, metrics)
	if err != nil {
		return err
	}
	svc := service.New(engine, dispatcher, cred, dir, service.Options{}, logger, metrics)

	for _, sub := range opts.subscriptions {
		if _, err := svc.Subscribe(sub); err != nil {
			return err
		}
	}

	res := replayResult{Rejected: []rejectedReport{}}
	// Records without a timestamp are spaced one minute apart.
	base := time.Date(2024, time.September, 24, 0, 0, 0, 0, time.UTC)
	for i, rec := range records {
		in, err := domain.ParseRawEvent(domain.RawEvent{
			Value:     rec,
			Topic:     "replay",
			Offset:    int64(i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		if err == nil {
			_, err = svc.SubmitReport(ctx, in)
		}
		switch {
		case err == nil:
			res.Accepted++
		case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrRateLimited):
			res.Rejected = append(res.Rejected, rejectedReport{Index: i, Error: err.Error()})
		default:
			return fmt.Errorf("record %d: %w", i, err)
		}
	}

	res.Alerts = dispatcher.Drain()
	if res.Alerts == nil {
		res.Alerts = []domain.Alert{}
	}
	res.Events = engine.Events()
	res.Users = cred.Users()

	if strings.EqualFold(opts.format, "json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	return printReplay(w, res)
}

func readFixture(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	return records, nil
}

func printReplay(w io.Writer, res replayResult) error {
	fmt.Fprintf(w, "Reports: %d accepted, %d rejected\n", res.Accepted, len(res.Rejected))
	for _, r := range res.Rejected {
		fmt.Fprintf(w, "  record %d: %s\n", r.Index, r.Error)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "\nALERT\tSUBSCRIBER\tKIND\tLEVEL\tEVENT\tTITLE\n")
	for _, a := range res.Alerts {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", a.Sequence, a.SubscriberID, a.Kind, a.Level, a.EventID, a.Title)
	}
	fmt.Fprintf(tw, "\nEVENT\tTYPE\tSTATE\tSEVERITY\tREPORTS\tCONFIDENCE\n")
	for _, ev := range res.Events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%.2f\n", ev.ID, ev.Type, ev.State, ev.CurrentSeverity, ev.MemberCount(), ev.ConfidenceScore)
	}
	return tw.Flush()
}
