package call

import (
	"github.com/dkeye/rtcall/internal/domain"
	"github.com/pion/sdp/v3"
)

// OfferKind reports whether an offer carries an active video section.
// Unparseable offers are treated as audio; applying them fails later anyway.
func OfferKind(raw string) domain.MediaKind {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return domain.MediaAudio
	}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "video" && m.MediaName.Port.Value != 0 {
			return domain.MediaVideo
		}
	}
	return domain.MediaAudio
}
