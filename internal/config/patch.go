package config

// Patch is a partial configuration update. Nil fields are left untouched.
type Patch struct {
	Notification *NotificationPatch `json:"notification,omitempty"`
	Changelog    *ChangelogConfig   `json:"changelog,omitempty"`
	Feeds        *[]FeedConfig      `json:"feeds,omitempty"`
}

type NotificationPatch struct {
	Enabled             *bool     `json:"enabled,omitempty"`
	SoundEnabled        *bool     `json:"sound_enabled,omitempty"`
	PollIntervalMinutes *int      `json:"poll_interval_minutes,omitempty"`
	Mechanisms          *[]string `json:"mechanisms,omitempty"`
	NtfyTopicURL        *string   `json:"ntfy_topic_url,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Notification == nil && p.Changelog == nil && p.Feeds == nil
}

// Merge returns a copy of base with patch applied. base is not modified.
func Merge(base *Config, patch Patch) *Config {
	out := base.Clone()
	if n := patch.Notification; n != nil {
		if n.Enabled != nil {
			out.Notification.Enabled = *n.Enabled
		}
		if n.SoundEnabled != nil {
			out.Notification.SoundEnabled = *n.SoundEnabled
		}
		if n.PollIntervalMinutes != nil {
			out.Notification.PollIntervalMinutes = *n.PollIntervalMinutes
		}
		if n.Mechanisms != nil {
			out.Notification.Mechanisms = append([]string{}, (*n.Mechanisms)...)
		}
		if n.NtfyTopicURL != nil {
			out.Notification.Ntfy.TopicURL = *n.NtfyTopicURL
		}
	}
	if patch.Changelog != nil {
		prev := out.Changelog
		out.Changelog = *patch.Changelog
		// The resolved token only carries over while it comes from the same variable.
		if out.Changelog.Token == "" && out.Changelog.TokenEnv == prev.TokenEnv {
			out.Changelog.Token = prev.Token
		}
	}
	if patch.Feeds != nil {
		out.Feeds = append([]FeedConfig{}, (*patch.Feeds)...)
	}
	return out
}
