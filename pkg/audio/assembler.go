package audio

import (
	"fmt"

	"github.com/gopxl/beep/v2"

	"polyvox/pkg/model"
)

// ContentTypeWAV is the container the assembler exports.
const ContentTypeWAV = "audio/wav"

// Config tunes clip assembly.
type Config struct {
	SampleRate int     // output rate, clips are resampled to it
	GapMs      int     // silence between clips
	FadeMs     int     // edge fade window at each clip boundary, 0 disables
	TargetPeak float64 // peak level after normalization, 0 disables
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 44100
	}
	if c.GapMs < 0 {
		c.GapMs = 0
	}
	if c.TargetPeak < 0 || c.TargetPeak > 1 {
		c.TargetPeak = 0.9
	}
	return c
}

// TurnTiming is one clip's [start,end) position in the assembled track,
// measured before the trailing gap is appended.
type TurnTiming struct {
	Index   int    `json:"index"`
	Speaker string `json:"speaker"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
}

// Assembler stitches independently synthesized clips into one track.
// Clips must be appended in turn order; the assembler is not safe for
// concurrent use.
type Assembler struct {
	cfg     Config
	samples [][2]float64
	timings []TurnTiming
	lastEnd int // sample index of the last clip's end, before its gap
}

// NewAssembler creates an assembler with the given configuration.
func NewAssembler(cfg Config) *Assembler {
	return &Assembler{cfg: cfg.withDefaults()}
}

// AppendClip decodes one clip, resamples it to the output rate, applies
// the boundary fades, records the turn's offsets, and appends the
// inter-turn silence gap.
func (a *Assembler) AppendClip(index int, speaker string, data []byte) error {
	decoded, format, err := Decode(data)
	if err != nil {
		return model.NewValidationError("turn %d returned undecodable audio: %v", index, err)
	}
	if len(decoded) == 0 {
		return model.NewValidationError("turn %d returned empty audio", index)
	}

	samples := decoded
	if int(format.SampleRate) != a.cfg.SampleRate {
		resampled := beep.Resample(3, format.SampleRate, beep.SampleRate(a.cfg.SampleRate), &sliceStreamer{samples: decoded})
		samples, err = drain(resampled)
		if err != nil {
			return fmt.Errorf("resample of turn %d failed: %w", index, err)
		}
	}

	// Edge fades keep clip boundaries click-free without overlapping the
	// turns themselves, so timings stay disjoint.
	fade := a.cfg.SampleRate * a.cfg.FadeMs / 1000
	applyEdgeFades(samples, fade)

	start := a.positionMs()
	a.samples = append(a.samples, samples...)
	a.lastEnd = len(a.samples)
	a.timings = append(a.timings, TurnTiming{
		Index:   index,
		Speaker: speaker,
		StartMs: start,
		EndMs:   a.positionMs(),
	})

	a.samples = append(a.samples, make([][2]float64, a.cfg.SampleRate*a.cfg.GapMs/1000)...)
	return nil
}

// Timings returns the recorded per-turn offsets.
func (a *Assembler) Timings() []TurnTiming {
	out := make([]TurnTiming, len(a.timings))
	copy(out, a.timings)
	return out
}

// Export normalizes the track to the target peak, trims the trailing gap,
// and encodes WAV. Returns the bytes and the total duration.
func (a *Assembler) Export() ([]byte, int64, error) {
	if len(a.timings) == 0 {
		return nil, 0, model.NewValidationError("no clips assembled")
	}

	// No gap after the last turn.
	track := a.samples[:a.lastEnd]

	if a.cfg.TargetPeak > 0 {
		normalize(track, a.cfg.TargetPeak)
	}

	format := beep.Format{SampleRate: beep.SampleRate(a.cfg.SampleRate), NumChannels: 2, Precision: 2}
	data, err := encodeWAV(track, format)
	if err != nil {
		return nil, 0, err
	}
	return data, int64(len(track)) * 1000 / int64(a.cfg.SampleRate), nil
}

func (a *Assembler) positionMs() int64 {
	return int64(len(a.samples)) * 1000 / int64(a.cfg.SampleRate)
}

// applyEdgeFades ramps the first and last fade samples linearly so joins
// against silence do not click.
func applyEdgeFades(samples [][2]float64, fade int) {
	if fade <= 0 {
		return
	}
	if fade > len(samples)/2 {
		fade = len(samples) / 2
	}
	for i := 0; i < fade; i++ {
		gain := float64(i) / float64(fade)
		samples[i][0] *= gain
		samples[i][1] *= gain
		tail := len(samples) - 1 - i
		samples[tail][0] *= gain
		samples[tail][1] *= gain
	}
}

// normalize scales the track so its peak sits at target. Gain is capped so
// near-silent tracks are not amplified into noise.
func normalize(samples [][2]float64, target float64) {
	peak := 0.0
	for _, s := range samples {
		for ch := 0; ch < 2; ch++ {
			if v := abs(s[ch]); v > peak {
				peak = v
			}
		}
	}
	if peak == 0 {
		return
	}

	gain := target / peak
	const maxGain = 4.0
	if gain > maxGain {
		gain = maxGain
	}
	for i := range samples {
		samples[i][0] *= gain
		samples[i][1] *= gain
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
