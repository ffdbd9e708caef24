package behavior

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/keeper/internal/memory"
	"github.com/nextlevelbuilder/keeper/internal/providers"
)

const (
	// Cold-start thresholds: signals stay nil until enough data exists.
	minMessagesForStats  = 10
	minSessionsForEngage = 3
	minEmbeddedForTopic  = 5

	inferWindowDays = 14
	emaHalfLifeDays = 7.0

	// An hour counts as active when it carries at least this share of
	// the user's messages.
	activeHourShare = 0.05
)

// Inferrer recomputes smoothed behavioral signals from recent session
// activity. The embedder feeds the topic-switch signal; nil disables it.
type Inferrer struct {
	db       *sql.DB
	store    *Store
	embedder memory.Embedder
	clock    func() time.Time
}

func NewInferrer(db *sql.DB, store *Store, embedder memory.Embedder, clock func() time.Time) *Inferrer {
	if clock == nil {
		clock = time.Now
	}
	return &Inferrer{db: db, store: store, embedder: embedder, clock: clock}
}

// Recompute refreshes one user's patterns from the last two weeks of
// messages and saves the result. Trust preferences pass through
// untouched.
func (inf *Inferrer) Recompute(ctx context.Context, userID string) (*Patterns, error) {
	p, err := inf.store.Get(userID)
	if err != nil {
		return nil, err
	}

	now := inf.clock().UTC()
	since := now.AddDate(0, 0, -inferWindowDays)
	msgs, err := inf.recentUserMessages(userID, since)
	if err != nil {
		return nil, err
	}

	if len(msgs) >= minMessagesForStats {
		freq := float64(len(msgs)) / inferWindowDays
		p.MessageFrequency = ema(p.MessageFrequency, freq)

		totalChars := 0
		for _, m := range msgs {
			totalChars += len(m.text)
		}
		avgLen := float64(totalChars) / float64(len(msgs))
		p.ResponseLength = ema(p.ResponseLength, avgLen)

		p.ActiveHours = activeHours(msgs)
		p.SmoothedAffect = ema(p.SmoothedAffect, affectOf(msgs))
	}

	if engagement, ok, err := inf.sessionEngagement(userID, since); err != nil {
		return nil, err
	} else if ok {
		p.SessionEngagement = ema(p.SessionEngagement, engagement)
	}

	if inf.embedder != nil && len(msgs) >= minEmbeddedForTopic {
		if ts, ok := inf.topicSwitch(ctx, msgs); ok {
			p.TopicSwitch = ema(p.TopicSwitch, ts)
		}
	}

	if err := inf.store.Save(userID, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ema blends a fresh observation into the smoothed value. The weight
// corresponds to one deep-tick interval against a 7-day half-life.
func ema(old *float64, observed float64) *float64 {
	if old == nil {
		v := observed
		return &v
	}
	// ~70 min tick over a 7 d half-life.
	alpha := 1 - math.Exp(-math.Ln2*(70.0/60/24)/emaHalfLifeDays)
	v := (1-alpha)*(*old) + alpha*observed
	return &v
}

type userMessage struct {
	text      string
	createdAt time.Time
}

func (inf *Inferrer) recentUserMessages(userID string, since time.Time) ([]userMessage, error) {
	rows, err := inf.db.Query(`
		SELECT m.content, m.created_at
		FROM session_messages m
		JOIN sessions s ON s.id = m.session_id
		WHERE s.user_id = ? AND m.role = 'user' AND m.created_at > ?
		ORDER BY m.id`, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []userMessage
	for rows.Next() {
		var raw string
		var at time.Time
		if err := rows.Scan(&raw, &at); err != nil {
			return nil, err
		}
		out = append(out, userMessage{text: messageText(raw), createdAt: at})
	}
	return out, rows.Err()
}

// messageText pulls the plain text out of a stored block-list message.
func messageText(raw string) string {
	var blocks []providers.Block
	if err := json.Unmarshal([]byte(raw), &blocks); err != nil {
		return raw
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == providers.BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func (inf *Inferrer) sessionEngagement(userID string, since time.Time) (float64, bool, error) {
	rows, err := inf.db.Query(`
		SELECT COUNT(m.id)
		FROM sessions s
		LEFT JOIN session_messages m ON m.session_id = s.id
		WHERE s.user_id = ? AND s.updated_at > ?
		GROUP BY s.id`, userID, since)
	if err != nil {
		return 0, false, err
	}
	defer rows.Close()

	var counts []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return 0, false, err
		}
		counts = append(counts, n)
	}
	if err := rows.Err(); err != nil {
		return 0, false, err
	}
	if len(counts) < minSessionsForEngage {
		return 0, false, nil
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return float64(total) / float64(len(counts)), true, nil
}

// topicSwitch is the mean embedding distance between consecutive user
// messages. High values mean the user jumps between subjects.
func (inf *Inferrer) topicSwitch(ctx context.Context, msgs []userMessage) (float64, bool) {
	if len(msgs) > minEmbeddedForTopic*4 {
		msgs = msgs[len(msgs)-minEmbeddedForTopic*4:]
	}
	var prev []float32
	total, pairs := 0.0, 0
	for _, m := range msgs {
		emb, err := inf.embedder.Embed(ctx, m.text)
		if err != nil {
			return 0, false
		}
		if prev != nil {
			total += 1 - memory.Cosine(prev, emb)
			pairs++
		}
		prev = emb
	}
	if pairs == 0 {
		return 0, false
	}
	return total / float64(pairs), true
}

func activeHours(msgs []userMessage) []int {
	counts := map[int]int{}
	for _, m := range msgs {
		counts[m.createdAt.UTC().Hour()]++
	}
	threshold := int(math.Ceil(activeHourShare * float64(len(msgs))))
	if threshold < 1 {
		threshold = 1
	}
	var out []int
	for h, n := range counts {
		if n >= threshold {
			out = append(out, h)
		}
	}
	sort.Ints(out)
	return out
}

// Crude lexicon affect: enough to notice a consistently bad stretch.
var (
	positiveWords = map[string]bool{
		"thanks": true, "great": true, "awesome": true, "perfect": true,
		"love": true, "nice": true, "good": true, "excellent": true,
		"happy": true, "wonderful": true,
	}
	negativeWords = map[string]bool{
		"frustrated": true, "angry": true, "hate": true, "terrible": true,
		"awful": true, "stressed": true, "annoying": true, "broken": true,
		"sad": true, "tired": true, "exhausted": true, "worst": true,
	}
)

func affectOf(msgs []userMessage) float64 {
	score, hits := 0.0, 0
	for _, m := range msgs {
		for _, w := range strings.Fields(strings.ToLower(m.text)) {
			w = strings.Trim(w, ".,!?;:'\"")
			if positiveWords[w] {
				score++
				hits++
			} else if negativeWords[w] {
				score--
				hits++
			}
		}
	}
	if hits == 0 {
		return 0
	}
	return score / float64(hits)
}
