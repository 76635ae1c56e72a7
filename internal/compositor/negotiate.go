package compositor

import (
	"fmt"
	"slices"

	"github.com/edirooss/zmux-mixer/internal/domain/media"
	"github.com/edirooss/zmux-mixer/internal/orcherr"
	"github.com/edirooss/zmux-mixer/internal/pipeline"
	"github.com/samber/lo"
)

// fallbackOrder is tried after the preferred codec.
var fallbackOrder = []media.Codec{media.CodecH264, media.CodecHEVC, media.CodecVP9, media.CodecAV1, media.CodecVP8}

// negotiate picks the program codec: keep (when allowed), then preferred, then
// the first fallback every consumer format accepts and the arbiter can encode.
func negotiate(keep, preferred media.Codec, formats []pipeline.Format, supports func(media.Codec) bool) (media.Codec, error) {
	accepted := func(c media.Codec) bool {
		return c.Valid() && supports(c) && lo.EveryBy(formats, func(f pipeline.Format) bool { return f.Accepts(c) })
	}
	candidates := append([]media.Codec{keep, preferred}, fallbackOrder...)
	if i := slices.IndexFunc(candidates, accepted); i >= 0 {
		return candidates[i], nil
	}
	return "", fmt.Errorf("no codec satisfies consumer formats %v: %w", lo.Uniq(formats), orcherr.ErrConfigurationInvalid)
}
