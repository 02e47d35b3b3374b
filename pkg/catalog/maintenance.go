package catalog

import (
	"context"

	"gorm.io/gorm"

	"github.com/teivault/teivault/internal/logger"
)

// ============================================================================
// Integrity maintenance
// ============================================================================
//
// These routines repair the behavioral rules that a single write path
// cannot enforce on its own: TEI entries mirroring their PDF's
// collections and doc metadata, the at-least-one-collection rule, and
// the absence of duplicate or orphaned rows. Garbage collection runs
// them as phases; they are also callable individually.

// MaintenanceStats summarizes one maintenance pass.
type MaintenanceStats struct {
	CollectionsReconciled int `json:"collections_reconciled"`
	InboxAssigned         int `json:"inbox_assigned"`
	DuplicatesRemoved     int `json:"duplicates_removed"`
	OrphanedXMLRemoved    int `json:"orphaned_xml_removed"`
}

// SyncTEICollectionsWithPDF reconciles every live TEI entry's
// doc_collections and doc_metadata toward the values of the PDF entry
// sharing its doc_id. TEI rows may carry their own copies between
// passes; the PDF is authoritative. Returns the number of TEI rows
// changed.
func (c *Catalog) SyncTEICollectionsWithPDF(ctx context.Context) (int, error) {
	changed := 0

	err := c.Transaction(ctx, func(tx *gorm.DB) error {
		var pdfs []FileEntry
		if err := tx.Where("file_type = ? AND deleted = ?", FileTypePDF, false).
			Find(&pdfs).Error; err != nil {
			return err
		}
		byDoc := make(map[string]*FileEntry, len(pdfs))
		for i := range pdfs {
			if pdfs[i].DocID == "" {
				continue
			}
			// Earliest PDF wins when a doc somehow has several.
			if cur, ok := byDoc[pdfs[i].DocID]; !ok || pdfs[i].CreatedAt.Before(cur.CreatedAt) {
				byDoc[pdfs[i].DocID] = &pdfs[i]
			}
		}

		var teis []FileEntry
		if err := tx.Where("file_type = ? AND deleted = ?", FileTypeTEI, false).
			Find(&teis).Error; err != nil {
			return err
		}

		for _, t := range teis {
			pdf, ok := byDoc[t.DocID]
			if !ok {
				continue
			}
			if stringListsEqual(t.DocCollections, pdf.DocCollections) &&
				metaMapsEqual(t.DocMetadata, pdf.DocMetadata) {
				continue
			}
			if err := tx.Model(&FileEntry{}).Where("id = ?", t.ID).
				Updates(map[string]any{
					"doc_collections": pdf.DocCollections,
					"doc_metadata":    pdf.DocMetadata,
				}).Error; err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if changed > 0 {
		logger.Info("reconciled TEI entries with their PDF", logger.KeyCount, changed)
	}
	return changed, nil
}

// AssignInboxToCollectionless gives the reserved _inbox collection to
// every live entry with an empty collection set.
func (c *Catalog) AssignInboxToCollectionless(ctx context.Context) (int, error) {
	changed := 0

	err := c.Transaction(ctx, func(tx *gorm.DB) error {
		var entries []FileEntry
		if err := tx.Where("deleted = ?", false).Find(&entries).Error; err != nil {
			return err
		}
		for _, e := range entries {
			if len(e.DocCollections) > 0 {
				continue
			}
			if err := tx.Model(&FileEntry{}).Where("id = ?", e.ID).
				Update("doc_collections", StringList{InboxCollection}).Error; err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if changed > 0 {
		logger.Info("assigned inbox collection", logger.KeyCount, changed)
	}
	return changed, nil
}

// RemoveDuplicateEntries collapses live rows sharing an identical
// (content_hash, doc_id, file_type) to one, keeping the earliest
// created. Removed rows release their blob reference; because the kept
// row still holds one, the blob itself never becomes reclaimable here.
func (c *Catalog) RemoveDuplicateEntries(ctx context.Context) (int, error) {
	removed := 0

	err := c.Transaction(ctx, func(tx *gorm.DB) error {
		var entries []FileEntry
		if err := tx.Where("deleted = ?", false).
			Order("created_at ASC").Find(&entries).Error; err != nil {
			return err
		}

		type dupKey struct {
			hash     string
			docID    string
			fileType FileType
		}
		seen := make(map[dupKey]struct{}, len(entries))

		for _, e := range entries {
			k := dupKey{e.ContentHash, e.DocID, e.FileType}
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				continue
			}
			logger.Warn("removing duplicate catalog entry",
				logger.KeyStableID, e.StableID,
				logger.KeyHash, e.ContentHash, logger.KeyDocID, e.DocID)
			if _, _, err := decrementRef(tx, e.ContentHash); err != nil {
				return err
			}
			if err := tx.Where("id = ?", e.ID).Delete(&FileEntry{}).Error; err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// OrphanedXMLFiles returns live TEI entries whose doc_id has no live
// PDF entry. These are garbage collection candidates; the caller
// decides whether to delete them.
func (c *Catalog) OrphanedXMLFiles(ctx context.Context) ([]FileEntry, error) {
	var orphans []FileEntry
	err := c.db.WithContext(ctx).
		Where("file_type = ? AND deleted = ?", FileTypeTEI, false).
		Where("doc_id NOT IN (?)",
			c.db.Model(&FileEntry{}).Select("doc_id").
				Where("file_type = ? AND deleted = ?", FileTypePDF, false)).
		Find(&orphans).Error
	return orphans, err
}

func stringListsEqual(a, b StringList) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func metaMapsEqual(a, b MetaMap) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok {
			return false
		}
		// Values round-trip through JSON; compare their rendering.
		if jsonString(va) != jsonString(vb) {
			return false
		}
	}
	return true
}

func jsonString(v any) string {
	m := MetaMap{"v": v}
	s, err := m.Value()
	if err != nil {
		return ""
	}
	str, _ := s.(string)
	return str
}
