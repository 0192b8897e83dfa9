package preprocess

import "testing"

func TestDecodePage(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		records int
		next    string
	}{
		{"bare array", `[{"id":"a"},{"id":"b"}]`, 2, ""},
		{"messages wrapper", `{"messages":[{"id":"a"}],"next":"c2"}`, 1, "c2"},
		{"items wrapper", `{"items":[{"id":"a"},{"id":"b"},{"id":"c"}],"nextCursor":"c3"}`, 3, "c3"},
		{"data wrapper", `{"data":[],"cursor":""}`, 0, ""},
		{"single record", `{"info":{"id":"a"},"parts":[]}`, 1, ""},
		{"empty body", ``, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := DecodePage([]byte(tt.body))
			if err != nil {
				t.Fatalf("DecodePage: %v", err)
			}
			if len(page.Records) != tt.records {
				t.Fatalf("expected %d records, got %d", tt.records, len(page.Records))
			}
			if page.Next != tt.next {
				t.Fatalf("expected next %q, got %q", tt.next, page.Next)
			}
		})
	}
}

func TestDecodePageRejectsGarbage(t *testing.T) {
	if _, err := DecodePage([]byte("<html>")); err == nil {
		t.Fatalf("expected error")
	}
}
