package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

const (
	opusClockRate = 48000
	opusChannels  = 2
	opusFrame     = 20 * time.Millisecond
)

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// MediaSource is the local capture feeding the outbound audio track.
type MediaSource interface {
	Track() webrtc.TrackLocal
	// Start begins pacing samples into the track.
	Start()
	// SetEnabled toggles whether samples reach the track.
	SetEnabled(enabled bool)
	Close() error
}

// PlaybackSink receives the remote audio track. Play blocks until the track
// ends.
type PlaybackSink interface {
	Play(track *webrtc.TrackRemote)
}

func newOpusTrack() (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: opusChannels},
		"audio",
		"vai-realtime",
	)
}

type sampleSource struct {
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	stop    chan struct{}
	once    sync.Once
	start   sync.Once
	wg      sync.WaitGroup
}

func newSampleSource() (*sampleSource, error) {
	track, err := newOpusTrack()
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	s := &sampleSource{track: track, stop: make(chan struct{})}
	s.enabled.Store(true)
	return s, nil
}

func (s *sampleSource) Track() webrtc.TrackLocal { return s.track }

func (s *sampleSource) SetEnabled(enabled bool) { s.enabled.Store(enabled) }

func (s *sampleSource) write(data []byte, d time.Duration) error {
	if !s.enabled.Load() {
		return nil
	}
	return s.track.WriteSample(media.Sample{Data: data, Duration: d})
}

func (s *sampleSource) run(loop func()) {
	s.start.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			loop()
		}()
	})
}

func (s *sampleSource) close() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// SilentSource streams Opus silence. It keeps the outbound track alive when
// no microphone is attached.
type SilentSource struct {
	*sampleSource
}

func NewSilentSource() (*SilentSource, error) {
	base, err := newSampleSource()
	if err != nil {
		return nil, err
	}
	return &SilentSource{sampleSource: base}, nil
}

func (s *SilentSource) Start() {
	s.run(func() {
		ticker := time.NewTicker(opusFrame)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				_ = s.write(opusSilence, opusFrame)
			}
		}
	})
}

func (s *SilentSource) Close() error {
	s.close()
	return nil
}

// OggFileSource streams Opus pages from an Ogg file at real-time pace, then
// idles. Muting drops pages without pausing the clock, like a live mic.
type OggFileSource struct {
	*sampleSource
	file   *os.File
	reader *oggreader.OggReader
	logger *slog.Logger
}

func NewOggFileSource(path string, logger *slog.Logger) (*OggFileSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	reader, header, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read ogg header: %w", err)
	}
	if header.SampleRate != 0 && header.SampleRate != opusClockRate {
		logger.Debug("ogg capture sample rate differs from opus clock", "sample_rate", header.SampleRate)
	}
	base, err := newSampleSource()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &OggFileSource{sampleSource: base, file: f, reader: reader, logger: logger}, nil
}

func (s *OggFileSource) Start() {
	s.run(func() {
		var lastGranule uint64
		ticker := time.NewTicker(opusFrame)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
			}
			page, pageHeader, err := s.reader.ParseNextPage()
			if errors.Is(err, io.EOF) {
				s.logger.Debug("ogg capture finished")
				return
			}
			if err != nil {
				s.logger.Warn("ogg capture read failed", "error", err)
				return
			}
			samples := pageHeader.GranulePosition - lastGranule
			lastGranule = pageHeader.GranulePosition
			d := time.Duration(float64(samples)/opusClockRate*1000) * time.Millisecond
			if err := s.write(page, d); err != nil {
				s.logger.Debug("ogg capture write failed", "error", err)
			}
		}
	})
}

func (s *OggFileSource) Close() error {
	s.close()
	return s.file.Close()
}

// DiscardSink drains remote audio.
type DiscardSink struct{}

func (DiscardSink) Play(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// OggFileSink records remote audio into an Ogg/Opus file, replacing it on
// every connection.
type OggFileSink struct {
	Path   string
	Logger *slog.Logger
}

func (s *OggFileSink) Play(track *webrtc.TrackRemote) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		DiscardSink{}.Play(track)
		return
	}
	w, err := oggwriter.New(s.Path, opusClockRate, opusChannels)
	if err != nil {
		logger.Warn("open playback file failed", "path", s.Path, "error", err)
		DiscardSink{}.Play(track)
		return
	}
	defer func() {
		if err := w.Close(); err != nil {
			logger.Debug("close playback file failed", "error", err)
		}
	}()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if err := w.WriteRTP(pkt); err != nil {
			logger.Warn("write playback file failed", "error", err)
			return
		}
	}
}
