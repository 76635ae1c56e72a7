// Package arbiter shares a fixed number of hardware encode slots between
// pipelines. Claims beyond capacity, or for codecs without a stable hardware
// encoder, degrade to software encoding; the arbiter never denies a claim.
package arbiter

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/edirooss/zmux-mixer/internal/domain/media"
	"github.com/edirooss/zmux-mixer/internal/metrics"
	"github.com/edirooss/zmux-mixer/internal/orcherr"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ClaimKind tags where an encode runs.
type ClaimKind string

const (
	Hardware ClaimKind = "hardware"
	Software ClaimKind = "software"
)

// Software claim reasons.
const (
	ReasonGranted           = ""
	ReasonNoHardwareEncoder = "no hardware encoder"
)

// Request asks for an encoder.
type Request struct {
	Holder          string
	Codec           media.Codec
	ResolutionClass media.ResolutionClass
}

// Claim is a granted encoder reservation. Zero Claim means "no claim".
type Claim struct {
	ID              string                `json:"id"`
	Holder          string                `json:"holder"`
	Codec           media.Codec           `json:"codec"`
	ResolutionClass media.ResolutionClass `json:"resolution_class"`
	Kind            ClaimKind             `json:"kind"`
	Encoder         string                `json:"encoder"`
	Weight          int64                 `json:"weight,omitempty"`
	Reason          string                `json:"reason,omitempty"`
	GrantedAt       time.Time             `json:"granted_at"`
}

func (c Claim) IsHardware() bool { return c.Kind == Hardware }
func (c Claim) IsZero() bool     { return c.ID == "" }

// Config sizes the hardware pool and names the encoders per codec.
type Config struct {
	Capacity         int64                           `yaml:"capacity" split_words:"true"`
	Weights          map[media.ResolutionClass]int64 `yaml:"weights" split_words:"true"`
	HardwareEncoders map[media.Codec]string          `yaml:"hardware_encoders" split_words:"true"`
	SoftwareEncoders map[media.Codec]string          `yaml:"software_encoders" split_words:"true"`
}

// DefaultConfig targets a V4L2 M2M encoder with libx264/libx265 fallback.
func DefaultConfig() Config {
	return Config{
		Capacity: 4,
		Weights:  map[media.ResolutionClass]int64{media.ClassUHD: 2},
		HardwareEncoders: map[media.Codec]string{
			media.CodecH264: "h264_v4l2m2m",
			media.CodecHEVC: "hevc_v4l2m2m",
		},
		SoftwareEncoders: map[media.Codec]string{
			media.CodecH264: "libx264",
			media.CodecHEVC: "libx265",
			media.CodecVP8:  "libvpx",
			media.CodecVP9:  "libvpx-vp9",
			media.CodecAV1:  "libsvtav1",
		},
	}
}

// Validate checks that the pool is sized sensibly.
func (c Config) Validate() error {
	var errs []error
	if c.Capacity < 0 {
		errs = append(errs, fmt.Errorf("capacity %d: negative", c.Capacity))
	}
	for rc, w := range c.Weights {
		if !rc.Valid() {
			errs = append(errs, fmt.Errorf("weights: unknown resolution class %q", rc))
		}
		if w <= 0 {
			errs = append(errs, fmt.Errorf("weights[%s] = %d: must be positive", rc, w))
		}
	}
	if len(c.SoftwareEncoders) == 0 {
		errs = append(errs, errors.New("software_encoders: at least one codec required"))
	}
	return errors.Join(errs...)
}

// Snapshot is a consistent view of the arbiter.
type Snapshot struct {
	Capacity int64         `json:"capacity"`
	InUse    int64         `json:"in_use"`
	Claims   []Claim       `json:"claims"`
	Unstable []media.Codec `json:"unstable_codecs"`
}

// Arbiter hands out encode claims. Safe for concurrent use; all critical
// sections are short and never block on I/O.
type Arbiter struct {
	log     *zap.Logger
	cfg     Config
	metrics *metrics.Metrics
	pool    *slotPool

	mu       sync.Mutex
	claims   map[string]Claim
	unstable map[media.Codec]error // codec → first reported cause
}

// New returns an arbiter with every codec considered stable.
func New(log *zap.Logger, cfg Config, m *metrics.Metrics) *Arbiter {
	a := &Arbiter{
		log:      log.Named("arbiter"),
		cfg:      cfg,
		metrics:  m,
		pool:     newSlotPool(cfg.Capacity),
		claims:   make(map[string]Claim),
		unstable: make(map[media.Codec]error),
	}
	a.metrics.SetHardwareSlots(0, a.pool.capacity())
	return a
}

// Supports reports whether a claim for codec can be satisfied at all.
func (a *Arbiter) Supports(codec media.Codec) bool {
	_, sw := a.cfg.SoftwareEncoders[codec]
	_, hw := a.cfg.HardwareEncoders[codec]
	return sw || hw
}

func (a *Arbiter) weight(rc media.ResolutionClass) int64 {
	if w, ok := a.cfg.Weights[rc]; ok && w > 0 {
		return w
	}
	return 1
}

// TryClaim grants a hardware claim when an encoder exists, the codec is
// stable and the weighted capacity allows it; otherwise a software claim.
// It fails only when neither a hardware nor a software encoder is configured.
func (a *Arbiter) TryClaim(req Request) (Claim, error) {
	c := Claim{
		ID:              uuid.NewString(),
		Holder:          req.Holder,
		Codec:           req.Codec,
		ResolutionClass: req.ResolutionClass,
		GrantedAt:       time.Now(),
	}

	a.mu.Lock()
	hwEnc, hasHW := a.cfg.HardwareEncoders[req.Codec]
	_, unstable := a.unstable[req.Codec]
	switch {
	case !hasHW:
		c.Reason = ReasonNoHardwareEncoder
	case unstable:
		c.Reason = orcherr.ErrHardwareInstability.Error()
	default:
		w := a.weight(req.ResolutionClass)
		if a.pool.tryAcquire(c.ID, w) {
			c.Kind, c.Encoder, c.Weight = Hardware, hwEnc, w
		} else {
			c.Reason = orcherr.ErrResourceExhausted.Error()
		}
	}

	if c.Kind != Hardware {
		swEnc, ok := a.cfg.SoftwareEncoders[req.Codec]
		if !ok {
			a.mu.Unlock()
			return Claim{}, fmt.Errorf("codec %s: no encoder available (%s): %w", req.Codec, c.Reason, orcherr.ErrConfigurationInvalid)
		}
		c.Kind, c.Encoder = Software, swEnc
	}
	a.claims[c.ID] = c
	a.mu.Unlock()

	if c.Kind == Software {
		a.metrics.SoftwareFallback(c.Reason)
		if c.Reason != ReasonNoHardwareEncoder {
			a.log.Warn("hardware encode unavailable; falling back to software",
				zap.String("holder", c.Holder),
				zap.String("codec", string(c.Codec)),
				zap.String("encoder", c.Encoder),
				zap.String("reason", c.Reason))
		}
	}
	a.metrics.SetHardwareSlots(a.pool.current(), a.pool.capacity())
	return c, nil
}

// Release returns the claim's slots. Idempotent; zero and software claims are
// removed from the table without touching the pool.
func (a *Arbiter) Release(c Claim) {
	if c.IsZero() {
		return
	}
	a.mu.Lock()
	delete(a.claims, c.ID)
	a.pool.release(c.ID)
	a.mu.Unlock()

	a.metrics.SetHardwareSlots(a.pool.current(), a.pool.capacity())
}

// ReportInstability marks codec unstable on hardware for the arbiter's
// lifetime. It reports whether this call changed the flag.
func (a *Arbiter) ReportInstability(codec media.Codec, cause error) bool {
	a.mu.Lock()
	if _, already := a.unstable[codec]; already {
		a.mu.Unlock()
		return false
	}
	a.unstable[codec] = cause
	n := len(a.unstable)
	a.mu.Unlock()

	a.metrics.SetUnstableCodecs(n)
	a.log.Error("hardware encoder marked unstable; future claims use software",
		zap.String("codec", string(codec)), zap.Error(cause))
	return true
}

// Unstable reports whether codec is flagged.
func (a *Arbiter) Unstable(codec media.Codec) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.unstable[codec]
	return ok
}

// Snapshot returns claims ordered by grant time.
func (a *Arbiter) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Snapshot{
		Capacity: a.pool.capacity(),
		InUse:    a.pool.current(),
		Claims:   make([]Claim, 0, len(a.claims)),
		Unstable: make([]media.Codec, 0, len(a.unstable)),
	}
	for _, c := range a.claims {
		s.Claims = append(s.Claims, c)
	}
	sort.Slice(s.Claims, func(i, j int) bool { return s.Claims[i].GrantedAt.Before(s.Claims[j].GrantedAt) })
	for c := range a.unstable {
		s.Unstable = append(s.Unstable, c)
	}
	slices.Sort(s.Unstable)
	return s
}
