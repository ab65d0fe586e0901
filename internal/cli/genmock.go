package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"github.com/couchcryptid/harbor-hazard-core/internal/domain"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// hotspot is a recurring hazard location on the Mumbai coastline.
type hotspot struct {
	address  string
	center   domain.Coordinate
	hazard   domain.HazardType
	severity []string
	title    string
}

var mumbaiHotspots = []hotspot{
	{"Marine Drive, Mumbai, Maharashtra", domain.Coordinate{Lat: 19.0760, Lng: 72.8777}, domain.HazardFlood, []string{"medium", "high", "high"}, "Street flooding on Marine Drive"},
	{"Juhu Beach, Mumbai, Maharashtra", domain.Coordinate{Lat: 19.1076, Lng: 72.8263}, domain.HazardHighWaves, []string{"medium", "medium", "high"}, "High waves at Juhu Beach"},
	{"Worli Sea Face, Mumbai, Maharashtra", domain.Coordinate{Lat: 19.0176, Lng: 72.8174}, domain.HazardStormSurge, []string{"high", "high", "critical"}, "Storm surge over Worli Sea Face"},
	{"Gateway of India, Mumbai, Maharashtra", domain.Coordinate{Lat: 18.9220, Lng: 72.8347}, domain.HazardAbnormalTide, []string{"low", "medium"}, "Unusually high tide at Gateway of India"},
	{"Versova Beach, Mumbai, Maharashtra", domain.Coordinate{Lat: 19.1351, Lng: 72.8146}, domain.HazardCoastalErosion, []string{"low", "medium"}, "Shoreline eroding at Versova"},
}

type genmockOptions struct {
	out        string
	seed       uint64
	perHotspot int
	spreadKm   float64
	start      time.Time
}

func newGenmockCmd() *cobra.Command {
	var start string
	cmd := &cobra.Command{
		Use:   "genmock",
		Short: "Generate a JSON fixture of synthetic hazard reports",
		Long: `genmock writes synthetic report submissions clustered around known
Mumbai coastal hotspots. Output uses the report topic's JSON shape, so the
fixture can be replayed or published to Kafka unchanged.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := time.Parse(time.RFC3339, start)
			if err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			opts := genmockOptions{
				out:        viper.GetString("genmock.out"),
				seed:       viper.GetUint64("genmock.seed"),
				perHotspot: viper.GetInt("genmock.per_hotspot"),
				spreadKm:   viper.GetFloat64("genmock.spread_km"),
				start:      t,
			}
			if opts.perHotspot < 1 {
				return fmt.Errorf("--per-hotspot must be at least 1")
			}
			return writeMock(cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().String("out", "", "output file (default: stdout)")
	cmd.Flags().Uint64("seed", 1, "random seed")
	cmd.Flags().Int("per-hotspot", 3, "reports generated per hotspot")
	cmd.Flags().Float64("spread-km", 0.3, "maximum distance of a report from its hotspot")
	cmd.Flags().StringVar(&start, "start", "2024-09-24T06:00:00Z", "timestamp of the first report (RFC 3339)")
	_ = viper.BindPFlag("genmock.out", cmd.Flags().Lookup("out"))
	_ = viper.BindPFlag("genmock.seed", cmd.Flags().Lookup("seed"))
	_ = viper.BindPFlag("genmock.per_hotspot", cmd.Flags().Lookup("per-hotspot"))
	_ = viper.BindPFlag("genmock.spread_km", cmd.Flags().Lookup("spread-km"))
	return cmd
}

func writeMock(stdout io.Writer, opts genmockOptions) error {
	records := generateReports(opts)
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	data = append(data, '\n')
	if opts.out == "" {
		_, err = stdout.Write(data)
		return err
	}
	if err := os.WriteFile(opts.out, data, 0o644); err != nil {
		return fmt.Errorf("write fixture: %w", err)
	}
	fmt.Fprintf(stdout, "wrote %d reports to %s\n", len(records), opts.out)
	return nil
}

// generateReports is deterministic for a given seed.
func generateReports(opts genmockOptions) []domain.RawReportRecord {
	rng := rand.New(rand.NewPCG(opts.seed, opts.seed^0x9e3779b97f4a7c15))
	records := make([]domain.RawReportRecord, 0, len(mumbaiHotspots)*opts.perHotspot)
	ts := opts.start.UTC()
	n := 0
	for _, h := range mumbaiHotspots {
		for i := 0; i < opts.perHotspot; i++ {
			n++
			c := jitter(rng, h.center, opts.spreadKm)
			lat, lng := round6(c.Lat), round6(c.Lng)
			ts = ts.Add(time.Duration(5+rng.IntN(25)) * time.Minute)
			records = append(records, domain.RawReportRecord{
				ID:          fmt.Sprintf("mock-%03d", n),
				UserID:      fmt.Sprintf("user-%03d", rng.IntN(40)+1),
				Type:        string(h.hazard),
				Severity:    h.severity[rng.IntN(len(h.severity))],
				Title:       h.title,
				Description: fmt.Sprintf("Reported near %s.", h.address),
				Location:    domain.RawLocation{Lat: &lat, Lng: &lng, Address: h.address},
				Timestamp:   ts.Format(time.RFC3339),
			})
		}
	}
	return records
}

// jitter moves c by up to maxKm in a random direction.
func jitter(rng *rand.Rand, c domain.Coordinate, maxKm float64) domain.Coordinate {
	d := maxKm * math.Sqrt(rng.Float64())
	bearing := 2 * math.Pi * rng.Float64()
	dLat := d * math.Cos(bearing) / 111.19492664
	dLng := d * math.Sin(bearing) / (111.19492664 * math.Cos(c.Lat*math.Pi/180))
	return domain.Coordinate{Lat: c.Lat + dLat, Lng: c.Lng + dLng}
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
