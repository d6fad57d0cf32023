package watch

import (
	"strings"
	"time"
)

const pulseDots = 5

// Pulse lights up when events arrive and fades one dot every two seconds
// of silence.
type Pulse struct {
	lastEvent time.Time
}

func (p *Pulse) OnEvent(at time.Time) {
	p.lastEvent = at
}

func (p Pulse) LastEvent() time.Time {
	return p.lastEvent
}

// Lit is the number of dots shown at now.
func (p Pulse) Lit(now time.Time) int {
	if p.lastEvent.IsZero() {
		return 0
	}
	faded := int(now.Sub(p.lastEvent) / (2 * time.Second))
	return max(pulseDots-faded, 0)
}

func (p Pulse) Render(theme Theme, now time.Time) string {
	lit := p.Lit(now)
	var b strings.Builder
	for i := range pulseDots {
		if i < lit {
			b.WriteString(theme.PulseOn.Render("●"))
		} else {
			b.WriteString(theme.PulseOff.Render("○"))
		}
	}
	return b.String()
}
