package storage

import (
	"fmt"
	"strings"
)

const renderedExtension = ".html"

// DocumentPath is the object key of a rendered subscription document. Regenerating a document
// overwrites the same key.
func DocumentPath(subscriptionID, kind, documentID string) (string, error) {
	return objectKey("subscriptions", subscriptionID, "documents", kind, documentID+renderedExtension)
}

// ReceiptPath is the object key of a rendered payment receipt.
func ReceiptPath(orderID, receiptNumber string) (string, error) {
	return objectKey("orders", orderID, "receipts", receiptNumber+renderedExtension)
}

// objectKey joins segments after checking that none of them is empty or able to escape its
// prefix.
func objectKey(segments ...string) (string, error) {
	for i, seg := range segments {
		seg = strings.TrimSpace(seg)
		switch {
		case seg == "" || seg == renderedExtension:
			return "", fmt.Errorf("storage: object key segment %d is empty", i)
		case strings.ContainsAny(seg, `/\`) || strings.Contains(seg, ".."):
			return "", fmt.Errorf("storage: object key segment %q is not allowed", seg)
		}
		segments[i] = seg
	}
	return strings.Join(segments, "/"), nil
}
