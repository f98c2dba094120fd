package routes

var (
	BearerAuth = []map[string][]string{
		{"bearer": {}},
	}
)

type Tag string

const (
	TagHealth    Tag = "health"
	TagRuns      Tag = "runs"
	TagSessions  Tag = "sessions"
	TagArtifacts Tag = "artifacts"
)

func (t Tag) String() string { return string(t) }

func AllTags() []string {
	return []string{
		TagHealth.String(),
		TagRuns.String(),
		TagSessions.String(),
		TagArtifacts.String(),
	}
}
