package memory

import (
	"fmt"
	"math"
	"time"
)

const (
	// archiveProminence is the floor below which an old memory is moved
	// to the archived type.
	archiveProminence = 0.01

	// boostCap saturates the access boost: a heavily accessed memory
	// decays at most 30% slower than an untouched one.
	boostCap     = 0.3
	boostHalfSat = 3.0

	auditPenalty = 0.95
)

// DecayResult summarizes one full decay pass.
type DecayResult struct {
	Updated  int
	Archived int
}

// halfLife returns the decay half-life for a memory type. static_profile
// never decays.
func (s *Store) halfLife(t Type) float64 {
	switch t {
	case TypeStaticProfile:
		return math.Inf(1)
	case TypeDerived:
		return 2 * s.cfg.DecayHalfLifeDays
	default:
		return s.cfg.DecayHalfLifeDays
	}
}

// effectiveProminence computes base·exp(-Δt/τ)·(1+boost). Δt counts from
// the last access, so a fresh access re-lifts prominence toward 1.
func (s *Store) effectiveProminence(m *Memory, now time.Time) float64 {
	if m.MemoryType == TypeStaticProfile {
		return 1.0
	}
	ref := m.CreatedAt
	if m.LastAccessed != nil && m.LastAccessed.After(ref) {
		ref = *m.LastAccessed
	}
	ageDays := now.Sub(ref).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}

	decay := math.Exp(-ageDays * math.Ln2 / s.halfLife(m.MemoryType))
	boost := boostCap * float64(m.AccessCount) / (float64(m.AccessCount) + boostHalfSat)
	p := decay * (1 + boost)
	if p > 1 {
		p = 1
	}
	return p
}

// ProcessFullDecay recomputes prominence for every non-static, non-archived
// memory and archives rows that fell below the floor and are old enough.
func (s *Store) ProcessFullDecay() (DecayResult, error) {
	rows, err := s.db.Query(selectMemory+`
		WHERE memory_type NOT IN (?, ?)`,
		string(TypeStaticProfile), string(TypeArchived))
	if err != nil {
		return DecayResult{}, fmt.Errorf("memory: decay scan: %w", err)
	}
	all, err := collectMemories(rows)
	rows.Close()
	if err != nil {
		return DecayResult{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.clock().UTC()
	minAge := time.Duration(s.cfg.ArchivalMinAgeDays) * 24 * time.Hour

	var res DecayResult
	for i := range all {
		m := &all[i]
		p := s.effectiveProminence(m, now)
		if p == m.Prominence {
			continue
		}

		archive := p < archiveProminence && now.Sub(m.CreatedAt) > minAge
		if archive {
			_, err = s.db.Exec(`UPDATE memories SET prominence = ?, memory_type = ? WHERE id = ?`,
				p, string(TypeArchived), m.ID)
		} else {
			_, err = s.db.Exec(`UPDATE memories SET prominence = ? WHERE id = ?`, p, m.ID)
		}
		if err != nil {
			return res, fmt.Errorf("memory: decay update: %w", err)
		}
		res.Updated++
		if archive {
			res.Archived++
		}
	}
	return res, nil
}

// ProcessHotDecay recomputes prominence only for memories touched inside
// the window. Cheap enough for the light tick; never archives.
func (s *Store) ProcessHotDecay(window time.Duration) (int, error) {
	cutoff := s.clock().UTC().Add(-window)
	rows, err := s.db.Query(selectMemory+`
		WHERE memory_type NOT IN (?, ?)
		  AND (last_accessed > ? OR created_at > ?)`,
		string(TypeStaticProfile), string(TypeArchived), cutoff, cutoff)
	if err != nil {
		return 0, fmt.Errorf("memory: hot decay scan: %w", err)
	}
	hot, err := collectMemories(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.clock().UTC()
	updated := 0
	for i := range hot {
		m := &hot[i]
		p := s.effectiveProminence(m, now)
		if p == m.Prominence {
			continue
		}
		if _, err := s.db.Exec(`UPDATE memories SET prominence = ? WHERE id = ?`, p, m.ID); err != nil {
			return updated, fmt.Errorf("memory: hot decay update: %w", err)
		}
		updated++
	}
	return updated, nil
}

// AuditRetrieval applies a small prominence penalty to low-utility
// memories that were never retrieved, or not retrieved since staleAfter
// ago. Returns the number of penalized rows.
//
// The penalty lasts one maintenance cycle: the next full decay recomputes
// prominence from age and access alone, which keeps stored prominence a
// pure function of those inputs. The audit runs after decay and before
// the archival decisions in the same cycle, so never-retrieved rows
// always face those decisions 5% lower than their decay curve.
func (s *Store) AuditRetrieval(staleAfter time.Duration) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cutoff := s.clock().UTC().Add(-staleAfter)
	res, err := s.db.Exec(`
		UPDATE memories SET prominence = prominence * ?
		WHERE memory_type NOT IN (?, ?)
		  AND prominence < ?
		  AND (last_accessed IS NULL OR last_accessed < ?)`,
		auditPenalty, string(TypeStaticProfile), string(TypeArchived),
		s.cfg.ArchivalUtility, cutoff)
	if err != nil {
		return 0, fmt.Errorf("memory: retrieval audit: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ArchiveLowUtility moves memories past the minimum age whose prominence
// sits below the utility threshold to the archived type, at most limit
// rows per call. Oldest first, so repeated runs drain the backlog in a
// stable order.
func (s *Store) ArchiveLowUtility(limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cutoff := s.clock().UTC().Add(-time.Duration(s.cfg.ArchivalMinAgeDays) * 24 * time.Hour)
	res, err := s.db.Exec(`
		UPDATE memories SET memory_type = ?
		WHERE id IN (
			SELECT id FROM memories
			WHERE memory_type NOT IN (?, ?)
			  AND prominence < ?
			  AND created_at < ?
			ORDER BY created_at
			LIMIT ?)`,
		string(TypeArchived), string(TypeStaticProfile), string(TypeArchived),
		s.cfg.ArchivalUtility, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("memory: utility archival: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneArchived hard-deletes archived memories whose prominence dropped
// below the archive floor. Edges cascade with the rows.
func (s *Store) PruneArchived() (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(`DELETE FROM memories WHERE memory_type = ? AND prominence < ?`,
		string(TypeArchived), archiveProminence)
	if err != nil {
		return 0, fmt.Errorf("memory: prune archived: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CleanOrphanRelations deletes edges whose target memory no longer
// exists. Source-side orphans are handled by the FK cascade.
func (s *Store) CleanOrphanRelations() (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(`
		DELETE FROM relations
		WHERE target_id NOT IN (SELECT id FROM memories)`)
	if err != nil {
		return 0, fmt.Errorf("memory: orphan relation cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
