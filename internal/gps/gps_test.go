package gps

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/ranging_survey/internal/stream"
)

const ggaPayload = "GPGGA,123519.00,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"

func TestValidChecksum(t *testing.T) {
	sentence := AppendChecksum(ggaPayload)
	require.True(t, ValidChecksum(sentence))
	assert.True(t, ValidChecksum(sentence[:len(sentence)-2]+strings.ToLower(sentence[len(sentence)-2:])))

	// Any single changed payload byte breaks the checksum.
	for i := 1; i < len(sentence)-3; i++ {
		b := []byte(sentence)
		b[i] ^= 0x01
		assert.False(t, ValidChecksum(string(b)), "flip at %d: %s", i, b)
	}

	assert.True(t, ValidChecksum(sentence+"\r\n"))
	for _, bad := range []string{"", "GPGGA,1*00", "$GPGGA,1", "$GPGGA,1*0", "$*", sentence + "junk", sentence + "0"} {
		assert.False(t, ValidChecksum(bad), bad)
	}
}

func TestAggregatorGroupsByTime(t *testing.T) {
	assert := assert.New(t)
	agg := NewAggregator()

	_, ok := agg.Push(AppendChecksum(ggaPayload))
	assert.False(ok)
	_, ok = agg.Push(AppendChecksum("GPHDT,274.07,T"))
	assert.False(ok)
	_, ok = agg.Push(AppendChecksum("GPVTG,054.7,T,034.4,M,005.5,N,010.2,K"))
	assert.False(ok)
	_, ok = agg.Push(AppendChecksum("GPRMC,123519.00,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"))
	assert.False(ok)

	fix, ok := agg.Push(AppendChecksum("GPGGA,123520.00,4807.040,N,01131.002,E,1,08,0.9,545.4,M,46.9,M,,"))
	require.True(t, ok)

	assert.Equal(12*time.Hour+35*time.Minute+19*time.Second, fix.Time)
	assert.Equal("12:35:19.000", fix.UTCTime)
	require.True(t, fix.HasPosition())
	assert.InDelta(48.1173, *fix.Latitude, 1e-9)
	assert.InDelta(11.0+31.0/60, *fix.Longitude, 1e-9)
	require.NotNil(t, fix.Quality)
	assert.Equal(QualityGPS, *fix.Quality)
	assert.Equal(8, *fix.Satellites)
	assert.InDelta(545.4, *fix.HeightMSL, 1e-9)
	assert.Equal("M", fix.HeightUnit)
	assert.InDelta(54.7, *fix.CourseDeg, 1e-9)
	assert.InDelta(5.5, *fix.SpeedKnots, 1e-9)
	assert.InDelta(274.07, *fix.Heading, 1e-9)
}

func TestAggregatorSouthWest(t *testing.T) {
	lat := 33 + 51.5/60
	lon := 151 + 12.3/60

	agg := NewAggregator()
	agg.Push(AppendChecksum("GPRMC,000001.00,A,3351.500,S,15112.300,W,0.0,0.0,010124,,"))
	fix, ok := agg.Push(AppendChecksum("GPRMC,000002.00,A,3351.500,S,15112.300,W,0.0,0.0,010124,,"))
	require.True(t, ok)

	require.True(t, fix.HasPosition())
	assert.InDelta(t, -lat, *fix.Latitude, 1e-9)
	assert.InDelta(t, -lon, *fix.Longitude, 1e-9)
	assert.Nil(t, fix.Quality)

	// GGA only, lower case hemispheres.
	agg = NewAggregator()
	agg.Push(AppendChecksum("GNGGA,235959.50,3351.500,s,15112.300,w,4,12,0.6,-2.5,M,22.0,M,1.0,0001"))
	fix, ok = agg.Push(AppendChecksum("GNGGA,000000.50,3351.600,S,15112.400,W,4,12,0.6,-2.5,M,22.0,M,1.0,0001"))
	require.True(t, ok)

	require.True(t, fix.HasPosition())
	assert.InDelta(t, -lat, *fix.Latitude, 1e-9)
	assert.InDelta(t, -lon, *fix.Longitude, 1e-9)
	assert.Equal(t, "23:59:59.500", fix.UTCTime)
	require.NotNil(t, fix.Quality)
	assert.Equal(t, QualityRTKFixed, *fix.Quality)
	assert.InDelta(t, -2.5, *fix.HeightMSL, 1e-9)
	assert.Nil(t, fix.CourseDeg)
	assert.Nil(t, fix.Heading)
}

func TestAggregatorBadFieldIsAbsent(t *testing.T) {
	agg := NewAggregator()
	agg.Push(AppendChecksum("GPGGA,101010.00,4807.038,N,01131.000,E,1,x8,0.9,,M,46.9,M,,"))
	agg.Push(AppendChecksum("PASHR,101010.00,120.5,T,1.0,bad,0.1,,,,"))
	fix, ok := agg.Push(AppendChecksum("GPGGA,101011.00,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"))
	require.True(t, ok)

	assert.True(t, fix.HasPosition())
	assert.Nil(t, fix.Satellites)
	assert.Nil(t, fix.HeightMSL)
	assert.InDelta(t, 0.9, *fix.HDOP, 1e-9)
	assert.InDelta(t, 46.9, *fix.GeoidSep, 1e-9)
	require.NotNil(t, fix.Heading)
	assert.InDelta(t, 120.5, *fix.Heading, 1e-9)
	assert.InDelta(t, 1.0, *fix.Roll, 1e-9)
	assert.Nil(t, fix.Pitch)
	assert.InDelta(t, 0.1, *fix.Heave, 1e-9)

	agg = NewAggregator()
	agg.Push(AppendChecksum("GPGGA,101010.00,9107.038,N,01131.000,X,1,08,0.9,545.4,M,46.9,M,,"))
	fix, ok = agg.Push(AppendChecksum("GPGGA,101011.00,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"))
	require.True(t, ok)
	assert.False(t, fix.HasPosition())
	assert.Equal(t, 8, *fix.Satellites)
}

func TestAggregatorNeedsPosition(t *testing.T) {
	agg := NewAggregator()
	agg.Push(AppendChecksum("INSHR,101010.00,120.5,T,1.0,2.0,0.1,,,,"))
	_, ok := agg.Push(AppendChecksum("INSHR,101011.00,120.5,T,1.0,2.0,0.1,,,,"))
	assert.False(t, ok)
}

func TestFixJSON(t *testing.T) {
	lat, lon := -12.5, 130.25
	q := QualityRTKFixed
	b, err := json.Marshal(Fix{UTCTime: "01:02:03.000", Latitude: &lat, Longitude: &lon, Quality: &q})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"quality":"RTK-fixed"`)

	var f Fix
	require.NoError(t, json.Unmarshal(b, &f))
	assert.Equal(t, QualityRTKFixed, *f.Quality)
	assert.Equal(t, lat, *f.Latitude)
}

func TestFormatDegMin(t *testing.T) {
	lon := 11 + 31.0/60
	assert.Equal(t, "48°07.0380'N", FormatDegMin(48.1173, true))
	assert.Equal(t, "011°31.0000'W", FormatDegMin(-lon, false))
	assert.Equal(t, "05°30.0000'S", FormatDegMin(-5.5, true))
	assert.Equal(t, "000°03.0000'E", FormatDegMin(0.05, false))
}

func TestParseTimeOfDay(t *testing.T) {
	d, err := ParseTimeOfDay("235959.250")
	require.NoError(t, err)
	assert.Equal(t, 23*time.Hour+59*time.Minute+59*time.Second+250*time.Millisecond, d)

	d, err = ParseTimeOfDay("240000.00")
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = ParseTimeOfDay("101010.")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Hour+10*time.Minute+10*time.Second, d)

	for _, bad := range []string{"", "1234", "126000", "ab0000", "101010x5"} {
		_, err := ParseTimeOfDay(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseClock(t *testing.T) {
	d, err := ParseClock("07:30:15.5")
	require.NoError(t, err)
	assert.Equal(t, 7*time.Hour+30*time.Minute+15500*time.Millisecond, d)

	_, err = ParseClock("7:30")
	assert.Error(t, err)
	_, err = ParseClock("24:00:00")
	assert.Error(t, err)

	assert.Equal(t, "07:30:15.500", FormatTimeOfDay(d))
	assert.Equal(t, "00:00:01.000", FormatTimeOfDay(24*time.Hour+time.Second))
}

func TestNewIPParams(t *testing.T) {
	p, err := NewIPParams("udp", "127.0.0.1", 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, UDP, p.Protocol)
	assert.Equal(t, DefaultPort, p.Port)
	assert.Equal(t, DefaultBuffer, p.Buffer)
	assert.Equal(t, DefaultConnectTimeout, p.ConnectTimeout)
	assert.Equal(t, "127.0.0.1:50001", p.HostPort())

	_, err = NewIPParams("serial", "127.0.0.1", 0, 0, 0)
	assert.Error(t, err)
	_, err = NewIPParams("TCP", "localhost", 0, 0, 0)
	assert.Error(t, err)
	_, err = NewIPParams("TCP", "::1", 0, 0, 0)
	assert.Error(t, err)
	_, err = NewIPParams("TCP", "10.0.0.1", 70000, 0, 0)
	assert.Error(t, err)
	_, err = NewIPParams("TCP", "10.0.0.1", 0, -1, 0)
	assert.Error(t, err)
}

func freePort(t *testing.T, network string) int {
	t.Helper()
	if network == "udp4" {
		conn, err := net.ListenPacket(network, "127.0.0.1:0")
		require.NoError(t, err)
		defer conn.Close()
		return conn.LocalAddr().(*net.UDPAddr).Port
	}
	ln, err := net.Listen(network, "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func receive(t *testing.T, out <-chan stream.Sentence) stream.Sentence {
	t.Helper()
	select {
	case s := <-out:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a sentence")
		return stream.Sentence{}
	}
}

func TestIPSourceUDPSplitsDatagrams(t *testing.T) {
	port := freePort(t, "udp4")
	p, err := NewIPParams("UDP", "127.0.0.1", port, 0, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan stream.Sentence, 64)
	done := make(chan error, 1)
	go func() { done <- NewIPSource(p).Run(ctx, out) }()

	conn, err := net.Dial("udp4", p.HostPort())
	require.NoError(t, err)
	defer conn.Close()

	// Resend until the listener is up.
	var first stream.Sentence
	for got := false; !got; {
		_, _ = conn.Write([]byte("$A*00\r\n\r\n$B*00\n"))
		select {
		case first = <-out:
			got = true
		case <-time.After(20 * time.Millisecond):
		}
	}
	second := receive(t, out)

	assert.Equal(t, "$A*00", first.Text)
	assert.Equal(t, "$B*00", second.Text)
	assert.Equal(t, stream.Data, second.Kind)
	assert.False(t, second.Replay)
	assert.WithinDuration(t, time.Now(), second.Time, 5*time.Second)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestIPSourceTCPReconnects(t *testing.T) {
	port := freePort(t, "tcp4")
	p, err := NewIPParams("TCP", "127.0.0.1", port, 0, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := NewIPSource(p)
	src.minBackoff, src.maxBackoff = 10*time.Millisecond, 50*time.Millisecond
	out := make(chan stream.Sentence, 64)
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, out) }()

	// Refused while the server is down.
	time.Sleep(50 * time.Millisecond)

	ln, err := net.Listen("tcp4", p.HostPort())
	require.NoError(t, err)
	defer ln.Close()

	for _, text := range []string{"$FIRST*00", "$SECOND*00"} {
		conn, err := ln.Accept()
		require.NoError(t, err)
		_, err = conn.Write([]byte(text + "\r\n"))
		require.NoError(t, err)
		conn.Close()

		s := receive(t, out)
		assert.Equal(t, text, s.Text)
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestReplaySource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nav.txt")
	lines := []string{
		AppendChecksum("GPGGA,235959.00,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"),
		"garbage" + AppendChecksum("GPHDT,274.07,T"),
		"",
		AppendChecksum("GPGGA,000000.50,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"),
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	rc := stream.NewRunContext(time.Now(), 1000)
	out := make(chan stream.Sentence, 16)
	require.NoError(t, NewReplaySource(path, rc).Run(context.Background(), out))
	close(out)

	var got []stream.Sentence
	for s := range out {
		got = append(got, s)
	}
	require.Len(t, got, 4)

	day := stream.ReplayDate
	assert.Equal(t, lines[0], got[0].Text)
	assert.Equal(t, day.Add(23*time.Hour+59*time.Minute+59*time.Second), got[0].Time)
	assert.True(t, got[0].Replay)

	assert.Equal(t, AppendChecksum("GPHDT,274.07,T"), got[1].Text)
	assert.Equal(t, got[0].Time, got[1].Time)

	assert.Equal(t, day.Add(24*time.Hour+500*time.Millisecond), got[2].Time)
	assert.Equal(t, stream.EndOfStream, got[3].Kind)
}

func TestReplaySourceMissingFile(t *testing.T) {
	out := make(chan stream.Sentence, 1)
	err := NewReplaySource(filepath.Join(t.TempDir(), "nope.txt"), stream.NewRunContext(time.Now(), 1)).Run(context.Background(), out)
	assert.Error(t, err)
	marker := <-out
	assert.Equal(t, stream.Timeout, marker.Kind)
	assert.Error(t, marker.Err)
}
