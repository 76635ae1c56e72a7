package arbiter

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/edirooss/zmux-mixer/internal/domain/media"
	"github.com/edirooss/zmux-mixer/internal/metrics"
	"github.com/edirooss/zmux-mixer/internal/orcherr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestArbiter(t *testing.T, capacity int64) *Arbiter {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Capacity = capacity
	return New(zap.NewNop(), cfg, metrics.New())
}

func fhd(holder string) Request {
	return Request{Holder: holder, Codec: media.CodecH264, ResolutionClass: media.ClassFHD}
}

func TestClaimsBeyondCapacityDegradeToSoftware(t *testing.T) {
	a := newTestArbiter(t, 2)

	var claims []Claim
	for i := range 3 {
		c, err := a.TryClaim(fhd(fmt.Sprintf("ingest:cam-%d", i)))
		require.NoError(t, err)
		claims = append(claims, c)
	}

	assert.Equal(t, Hardware, claims[0].Kind)
	assert.Equal(t, "h264_v4l2m2m", claims[0].Encoder)
	assert.Equal(t, Hardware, claims[1].Kind)
	assert.Equal(t, Software, claims[2].Kind)
	assert.Equal(t, "libx264", claims[2].Encoder)
	assert.Equal(t, orcherr.ErrResourceExhausted.Error(), claims[2].Reason)

	a.Release(claims[0])
	next, err := a.TryClaim(fhd("ingest:cam-3"))
	require.NoError(t, err)
	assert.Equal(t, Hardware, next.Kind)
	assert.EqualValues(t, 2, a.Snapshot().InUse)
}

func TestUHDWeighsTwoSlots(t *testing.T) {
	a := newTestArbiter(t, 2)

	uhd, err := a.TryClaim(Request{Holder: "program", Codec: media.CodecH264, ResolutionClass: media.ClassUHD})
	require.NoError(t, err)
	assert.Equal(t, Hardware, uhd.Kind)
	assert.EqualValues(t, 2, uhd.Weight)

	c, err := a.TryClaim(fhd("ingest:cam-1"))
	require.NoError(t, err)
	assert.Equal(t, Software, c.Kind)
}

func TestReleaseIsIdempotent(t *testing.T) {
	a := newTestArbiter(t, 1)

	hw, _ := a.TryClaim(fhd("a"))
	sw, _ := a.TryClaim(fhd("b"))
	require.Equal(t, Software, sw.Kind)

	a.Release(hw)
	a.Release(hw)
	a.Release(sw)
	a.Release(Claim{})

	snap := a.Snapshot()
	assert.EqualValues(t, 0, snap.InUse)
	assert.Empty(t, snap.Claims)

	c, _ := a.TryClaim(fhd("c"))
	assert.Equal(t, Hardware, c.Kind)
	_, _ = a.TryClaim(fhd("d"))
	assert.EqualValues(t, 1, a.Snapshot().InUse)
}

func TestInstabilityIsPermanentForArbiterLifetime(t *testing.T) {
	a := newTestArbiter(t, 4)

	c, _ := a.TryClaim(fhd("ingest:cam-1"))
	require.Equal(t, Hardware, c.Kind)

	assert.True(t, a.ReportInstability(media.CodecH264, errors.New("vpu hang")))
	assert.False(t, a.ReportInstability(media.CodecH264, errors.New("again")))
	a.Release(c)

	for range 3 {
		c, err := a.TryClaim(fhd("ingest:cam-1"))
		require.NoError(t, err)
		assert.Equal(t, Software, c.Kind)
		assert.Equal(t, orcherr.ErrHardwareInstability.Error(), c.Reason)
	}

	hevc, _ := a.TryClaim(Request{Holder: "x", Codec: media.CodecHEVC, ResolutionClass: media.ClassFHD})
	assert.Equal(t, Hardware, hevc.Kind)
	assert.Equal(t, []media.Codec{media.CodecH264}, a.Snapshot().Unstable)

	fresh := newTestArbiter(t, 4)
	c, _ = fresh.TryClaim(fhd("ingest:cam-1"))
	assert.Equal(t, Hardware, c.Kind)
}

func TestCodecWithoutHardwareEncoder(t *testing.T) {
	a := newTestArbiter(t, 4)

	c, err := a.TryClaim(Request{Holder: "x", Codec: media.CodecVP9, ResolutionClass: media.ClassHD})
	require.NoError(t, err)
	assert.Equal(t, Software, c.Kind)
	assert.Equal(t, ReasonNoHardwareEncoder, c.Reason)
	assert.Equal(t, "libvpx-vp9", c.Encoder)
}

func TestCodecWithoutAnyEncoderIsRejected(t *testing.T) {
	cfg := DefaultConfig()
	delete(cfg.SoftwareEncoders, media.CodecAV1)
	a := New(zap.NewNop(), cfg, nil)

	_, err := a.TryClaim(Request{Holder: "x", Codec: media.CodecAV1})
	assert.ErrorIs(t, err, orcherr.ErrConfigurationInvalid)
	assert.False(t, a.Supports(media.CodecAV1))
	assert.Empty(t, a.Snapshot().Claims)
}

func TestConcurrentClaimsNeverExceedCapacity(t *testing.T) {
	const capacity = 3
	a := newTestArbiter(t, capacity)

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				rc := media.ClassFHD
				if (i+j)%5 == 0 {
					rc = media.ClassUHD
				}
				c, err := a.TryClaim(Request{Holder: fmt.Sprintf("h%d", i), Codec: media.CodecH264, ResolutionClass: rc})
				if !assert.NoError(t, err) {
					return
				}
				assert.LessOrEqual(t, a.Snapshot().InUse, int64(capacity))
				a.Release(c)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 0, a.Snapshot().InUse)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Capacity = -1
	cfg.Weights[media.ResolutionClass("8k")] = 0
	cfg.SoftwareEncoders = nil
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capacity")
	assert.Contains(t, err.Error(), "unknown resolution class")
	assert.Contains(t, err.Error(), "software_encoders")
}
