package app

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/ranging_survey/internal/config"
	"github.com/relabs-tech/ranging_survey/internal/geodesy"
	"github.com/relabs-tech/ranging_survey/internal/gps"
	"github.com/relabs-tech/ranging_survey/internal/ranging"
	"github.com/relabs-tech/ranging_survey/internal/stream"
	"github.com/relabs-tech/ranging_survey/internal/survey"
	"github.com/relabs-tech/ranging_survey/internal/trilateration"
)

var centre = geodesy.Geodetic{Lat: 30, Lon: -40}

// degMin renders v as an NMEA (d)ddmm.mmmmmm field and returns the value a
// receiver of that field decodes.
func degMin(v float64, degDigits int, pos, neg string) (field, hemi string, decoded float64) {
	hemi = pos
	if v < 0 {
		hemi = neg
	}
	a := math.Abs(v)
	deg := math.Floor(a)
	minutes := strconv.FormatFloat((a-deg)*60, 'f', 6, 64)
	if (a-deg)*60 < 10 {
		minutes = "0" + minutes
	}
	m, _ := strconv.ParseFloat(minutes, 64)
	decoded = float64(int(deg)) + m/60
	if hemi == neg {
		decoded = -decoded
	}
	return fmt.Sprintf("%0*d%s", degDigits, int(deg), minutes), hemi, decoded
}

// recordSurvey writes a navigation and a deckbox recording of a ship circling
// above target. The ship position only changes on odd seconds, so a range made
// half a second after an even second matches the fix of either neighbouring second.
func recordSurvey(t *testing.T, dir string, target geodesy.ECEF) (navPath, rngPath string) {
	t.Helper()
	type point struct {
		nmea string
		ecef geodesy.ECEF
	}
	positions := make([]point, 21)
	for j := range positions {
		theta := 2 * math.Pi * float64(j) / float64(len(positions))
		g := geodesy.ToGeodetic(geodesy.FromENU(centre, 2500*math.Cos(theta), 2500*math.Sin(theta), 0))
		latField, ns, lat := degMin(g.Lat, 2, "N", "S")
		lonField, ew, lon := degMin(g.Lon, 3, "E", "W")
		positions[j] = point{
			nmea: strings.Join([]string{latField, ns, lonField, ew}, ","),
			ecef: geodesy.ToECEF(geodesy.Geodetic{Lat: lat, Lon: lon}),
		}
	}

	var nav []string
	for s := 0; s <= 40; s++ {
		p := positions[(s+1)/2]
		nav = append(nav, gps.AppendChecksum(fmt.Sprintf("GPGGA,1000%02d.00,%s,1,09,0.8,0.0,M,20.1,M,,", s, p.nmea)))
		nav = append(nav, gps.AppendChecksum("GPHDT,90.0,T"))
	}
	navPath = filepath.Join(dir, "nav.txt")
	require.NoError(t, os.WriteFile(navPath, []byte(strings.Join(nav, "\r\n")+"\r\n"), 0o644))

	var rng []string
	for k := 2; k <= 38; k += 2 {
		travel := 2 * positions[k/2].ecef.Distance(target) / ranging.DefaultAcoustic.SoundSpeed
		rng = append(rng, fmt.Sprintf("2024-05-01T10-00-%02d.500000 RNG: TX = 12.00 RX = 11.50 TIME = %.9f *", k, travel))
		rng = append(rng, fmt.Sprintf("2024-05-01T10-00-%02d.900000 ACK *", k))
	}
	rngPath = filepath.Join(dir, "rng.txt")
	require.NoError(t, os.WriteFile(rngPath, []byte(strings.Join(rng, "\n")+"\n"), 0o644))
	return navPath, rngPath
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func column(t *testing.T, records [][]string, row int, name string) float64 {
	t.Helper()
	for i, h := range records[0] {
		if h == name {
			v, err := strconv.ParseFloat(records[row][i], 64)
			require.NoError(t, err)
			return v
		}
	}
	t.Fatalf("no column %s", name)
	return 0
}

func TestRunSurveyReplay(t *testing.T) {
	dir := t.TempDir()
	target := geodesy.FromENU(centre, 150, -90, -3000)
	navPath, rngPath := recordSurvey(t, dir, target)

	cfg := config.Default()
	cfg.NavReplayFile, cfg.RangingReplayFile = navPath, rngPath
	cfg.ReplaySpeed = 10
	cfg.WebServerPort = 0
	cfg.LogDir = filepath.Join(dir, "logs")
	cfg.LogPrefix = "TEST"
	cfg.LogRaw = true

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, RunSurvey(ctx, cfg))

	obsFiles, err := filepath.Glob(filepath.Join(cfg.LogDir, "TEST_*_obs.csv"))
	require.NoError(t, err)
	require.Len(t, obsFiles, 1)
	obs := readCSV(t, obsFiles[0])
	require.Len(t, obs, 1+19+1)
	assert.Equal(t, "EOF", obs[len(obs)-1][0])
	assert.Equal(t, "replay", obs[1][0])

	results := readCSV(t, strings.TrimSuffix(obsFiles[0], "_obs.csv")+"_result.csv")
	require.Len(t, results, 2)
	want := geodesy.ToGeodetic(target)
	assert.InDelta(t, want.Lat, column(t, results, 1, "lat"), 1e-6)
	assert.InDelta(t, want.Lon, column(t, results, 1, "lon"), 1e-6)
	assert.InDelta(t, want.Height, column(t, results, 1, "ht"), 0.1)
	assert.Less(t, column(t, results, 1, "stdErr"), 0.01)

	solved := readCSV(t, strings.TrimSuffix(obsFiles[0], "_obs.csv")+"_obs_solved.csv")
	require.Len(t, solved, 1+19)
	for row := 1; row < len(solved); row++ {
		assert.Equal(t, "false", solved[row][len(solved[row])-2], "row %d", row)
	}

	rawNav, err := filepath.Glob(filepath.Join(cfg.LogDir, "nmea", "TEST_*_NMEA.txt"))
	require.NoError(t, err)
	require.Len(t, rawNav, 1)
	rawRng, err := filepath.Glob(filepath.Join(cfg.LogDir, "rng", "TEST_*_RNG.txt"))
	require.NoError(t, err)
	require.Len(t, rawRng, 1)
	b, err := os.ReadFile(rawRng[0])
	require.NoError(t, err)
	assert.Contains(t, string(b), "1900-01-01T10-00-02.500000 RNG: TX = 12.00")

	// The recorded observation log solves to the same position in batch.
	batchCfg := config.Default()
	batchCfg.LogDir = ""
	res, err := RunBatch(batchCfg, obsFiles[0])
	require.NoError(t, err)
	assert.True(t, res.OK)
	// Logged positions and ranges are rounded, so a range may be rejected.
	assert.GreaterOrEqual(t, res.Used, 15)
	assert.Less(t, res.ECEF.Distance(target), 0.1)

	batchSolved := readCSV(t, strings.TrimSuffix(obsFiles[0], ".csv")+"_solved.csv")
	require.Len(t, batchSolved, 1+19)
}

func TestRunSurveyMissingReplay(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.NavReplayFile = filepath.Join(dir, "absent_nav.txt")
	cfg.RangingReplayFile = filepath.Join(dir, "absent_rng.txt")
	cfg.WebServerPort = 0
	cfg.LogDir = dir

	err := RunSurvey(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "navigation stream failed")
}

func TestBuildSourcesLive(t *testing.T) {
	cfg := config.Default()
	cfg.RangingSerialPort = "/dev/ttyUSB0"
	cfg.RangingUpperGate = 7500

	nav, rng, rc, err := buildSources(cfg, time.Now())
	require.NoError(t, err)
	assert.Nil(t, rc)
	assert.IsType(t, &gps.IPSource{}, nav)
	require.IsType(t, &ranging.SerialSource{}, rng)
	assert.Equal(t, []string{"", "UG07500"}, rng.(*ranging.SerialSource).InitCommands)

	cfg.RangingSerialPort = ""
	_, _, _, err = buildSources(cfg, time.Now())
	assert.Error(t, err)
}

func TestBuildSourcesReplayStart(t *testing.T) {
	cfg := config.Default()
	cfg.NavReplayFile, cfg.RangingReplayFile = "nav.txt", "rng.txt"
	cfg.ReplayStart = "10:00:00"
	cfg.ReplaySpeed = 4

	start := time.Now()
	_, _, rc, err := buildSources(cfg, start)
	require.NoError(t, err)
	require.NotNil(t, rc)
	assert.Equal(t, 4.0, rc.Speed)
	assert.Equal(t, start.Add(time.Second), rc.Start)
	epoch, ok := rc.Epoch()
	require.True(t, ok)
	assert.Equal(t, 10*time.Hour, epoch)
}

func TestHubHandler(t *testing.T) {
	h := newHub()
	srv := httptest.NewServer(h.handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/result")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	// Wait for the client to be registered before broadcasting.
	require.Eventually(t, func() bool {
		h.clientsMu.Lock()
		defer h.clientsMu.Unlock()
		return len(h.clients) == 1
	}, 2*time.Second, 5*time.Millisecond)

	lat, lon := 30.0, -40.0
	h.addObservation(survey.Observation{
		Kind:  stream.Data,
		Fix:   &gps.Fix{UTCTime: "10:00:00.000", Latitude: &lat, Longitude: &lon},
		Range: &ranging.Response{TravelTime: 4, Range: 3000},
	})
	h.setResult(trilateration.Result{OK: true, Position: geodesy.Geodetic{Lat: 30, Lon: -40, Height: -3000}, Used: 3})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "observation", msg.Type)
	require.NotNil(t, msg.Observation)
	assert.Equal(t, 3000.0, msg.Observation.Range.Range)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "result", msg.Type)
	require.NotNil(t, msg.Result)
	assert.Equal(t, 3, msg.Result.Used)

	resp, err = http.Get(srv.URL + "/api/result")
	require.NoError(t, err)
	var res trilateration.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	resp.Body.Close()
	assert.Equal(t, -3000.0, res.Position.Height)

	resp, err = http.Get(srv.URL + "/api/observations")
	require.NoError(t, err)
	var all []survey.Observation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&all))
	resp.Body.Close()
	assert.Len(t, all, 1)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConsoleFormatting(t *testing.T) {
	lat, lon, sog, cog, hdg := 48.1173, 11.5167, 5.5, 54.7, 274.1
	q := gps.QualityRTKFloat
	f := gps.Fix{UTCTime: "12:35:19.000", Latitude: &lat, Longitude: &lon, Quality: &q, SpeedKnots: &sog, CourseDeg: &cog, Heading: &hdg}

	assert.Equal(t, "[NAV ] time=12:35:19.000 lat=48.117300 lon=11.516700 qlty=RTK-float sog=5.5kn cog=54.7° hdg=274.1°", formatFix(f))

	o := survey.Observation{Kind: stream.Data, Fix: &f, Range: &ranging.Response{Range: 2000.5, TravelTime: 2.6667, Tx: 12, Rx: 11.5}}
	assert.True(t, strings.HasPrefix(formatObservation(o), "[OBS ] range=  2000.50m time= 2.6667s tx=12 rx=11.5  time=12:35:19.000"))
	assert.Equal(t, "[OBS ] EOF", formatObservation(survey.Observation{Kind: stream.EndOfStream}))

	r := trilateration.Result{Position: geodesy.Geodetic{Lat: 30, Lon: -40, Height: -3000}, StdErr: 0.5, DriftDistance: 12, DriftBearing: 45, Used: 7}
	assert.Contains(t, formatResult(r), "lat=30.0000000 lon=-40.0000000 ht=-3000.00m stdErr=0.500m")
	assert.Contains(t, formatResult(r), "drift=12.0m@045.0° used=7")
}

func TestPublisherDisabled(t *testing.T) {
	pub, err := connectMQTT("", "test")
	require.NoError(t, err)
	assert.Nil(t, pub)
	assert.NotPanics(t, func() {
		pub.publish("survey/result", trilateration.Result{})
		pub.close()
	})
}
