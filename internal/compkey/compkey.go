// Package compkey builds and parses the canonical composite identifiers used
// throughout the engine: the five-part document key, the three-part progress
// bucket key, the document-slot key within a bucket, and the durable feedback
// storage key. Encodings are injective as long as field values do not contain
// the separators, which caller-supplied slugs and UUIDs never do.
package compkey

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// Sep joins the fields of document and bucket keys.
// SlotSep joins documentKey and modelId inside a bucket; it is distinct from
// Sep so the two encodings can never collide.
const (
	Sep     = "::"
	SlotSep = "##"

	feedbackPrefix = "dialectic-feedback"
)

// DocumentKey identifies one generated document: one document key produced by
// one model within one iteration of one stage of one session.
type DocumentKey struct {
	SessionID   string
	StageSlug   string
	Iteration   int
	ModelID     string
	DocumentKey string
}

// Bucket returns the progress bucket key this document belongs to.
func (k DocumentKey) Bucket() BucketKey {
	return BucketKey{SessionID: k.SessionID, StageSlug: k.StageSlug, Iteration: k.Iteration}
}

// Slot returns the document's slot key within its bucket.
func (k DocumentKey) Slot() string {
	return Slot(k.DocumentKey, k.ModelID)
}

// Encode serializes the key in fixed field order. Two keys encode to the same
// string iff all five fields are equal.
func (k DocumentKey) Encode() string {
	return strings.Join([]string{
		k.SessionID,
		k.StageSlug,
		strconv.Itoa(k.Iteration),
		k.ModelID,
		k.DocumentKey,
	}, Sep)
}

// DecodeDocumentKey parses a string produced by DocumentKey.Encode.
func DecodeDocumentKey(s string) (DocumentKey, error) {
	parts := strings.Split(s, Sep)
	if len(parts) != 5 {
		return DocumentKey{}, fmt.Errorf("compkey: expected 5 fields, got %d in %q", len(parts), s)
	}
	iter, err := strconv.Atoi(parts[2])
	if err != nil {
		return DocumentKey{}, fmt.Errorf("compkey: bad iteration in %q: %w", s, err)
	}
	return DocumentKey{
		SessionID:   parts[0],
		StageSlug:   parts[1],
		Iteration:   iter,
		ModelID:     parts[3],
		DocumentKey: parts[4],
	}, nil
}

// BucketKey identifies one stage run: all models and documents for one
// iteration of one stage share a bucket.
type BucketKey struct {
	SessionID string
	StageSlug string
	Iteration int
}

// Encode serializes the bucket key in fixed field order.
func (k BucketKey) Encode() string {
	return strings.Join([]string{k.SessionID, k.StageSlug, strconv.Itoa(k.Iteration)}, Sep)
}

// DecodeBucketKey parses a string produced by BucketKey.Encode.
func DecodeBucketKey(s string) (BucketKey, error) {
	parts := strings.Split(s, Sep)
	if len(parts) != 3 {
		return BucketKey{}, fmt.Errorf("compkey: expected 3 fields, got %d in %q", len(parts), s)
	}
	iter, err := strconv.Atoi(parts[2])
	if err != nil {
		return BucketKey{}, fmt.Errorf("compkey: bad iteration in %q: %w", s, err)
	}
	return BucketKey{SessionID: parts[0], StageSlug: parts[1], Iteration: iter}, nil
}

// Slot builds the per-bucket document slot key. The same document key produced
// by two models maps to two distinct slots.
func Slot(documentKey, modelID string) string {
	return documentKey + SlotSep + modelID
}

// FeedbackStorageKey builds the durable storage key for a feedback draft.
// It embeds the user id plus all five document key fields so entries never
// collide across users or documents.
func FeedbackStorageKey(userID string, k DocumentKey) string {
	return feedbackPrefix + Sep + userID + Sep + k.Encode()
}

// VersionHash computes the deterministic, order-sensitive hash of a resource
// id. It identifies which resource is current, not whether its bytes changed.
func VersionHash(resourceID string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(resourceID))
	return strconv.FormatUint(h.Sum64(), 16)
}
