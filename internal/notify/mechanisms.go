package notify

import (
	"fmt"
	"io"

	"github.com/ppiankov/changebell/internal/config"
)

// FromConfig builds the ordered mechanism list named in cfg. console is the
// writer used by the console mechanism.
func FromConfig(cfg config.NotificationConfig, console io.Writer) ([]Mechanism, error) {
	out := make([]Mechanism, 0, len(cfg.Mechanisms))
	for _, name := range cfg.Mechanisms {
		switch name {
		case config.MechanismTerminalNotifier:
			out = append(out, TerminalNotifier{})
		case config.MechanismNotifySend:
			out = append(out, NotifySend{})
		case config.MechanismNtfy:
			out = append(out, NewNtfy(cfg.Ntfy.TopicURL, cfg.Ntfy.Timeout.Duration))
		case config.MechanismConsole:
			out = append(out, NewConsole(console))
		default:
			return nil, fmt.Errorf("unknown notification mechanism %q", name)
		}
	}
	return out, nil
}
