package schema

import (
	"reflect"
	"testing"
)

func TestDecodeStakeholders(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		want       []Stakeholder
		wantFormat EncodingFormat
		wantErr    bool
	}{
		{name: "empty", raw: "", want: []Stakeholder{}, wantFormat: FormatEmpty},
		{name: "null", raw: "null", want: []Stakeholder{}, wantFormat: FormatEmpty},
		{
			name:       "objects",
			raw:        `[{"name":"Dana","role":"sponsor"},{"name":"Lee"}]`,
			want:       []Stakeholder{{Name: "Dana", Role: "sponsor"}, {Name: "Lee"}},
			wantFormat: FormatObjects,
		},
		{
			name:       "strings",
			raw:        `["Dana", " Lee ", ""]`,
			want:       []Stakeholder{{Name: "Dana"}, {Name: "Lee"}},
			wantFormat: FormatStrings,
		},
		{
			name:       "legacy comma list",
			raw:        "Dana, Lee;Kim\nAsh",
			want:       []Stakeholder{{Name: "Dana"}, {Name: "Lee"}, {Name: "Kim"}, {Name: "Ash"}},
			wantFormat: FormatDelimited,
		},
		{name: "object without name", raw: `[{"role":"sponsor"}]`, wantErr: true},
		{name: "broken array", raw: `[{"name":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, format, err := DecodeStakeholders(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeStakeholders(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if format != tt.wantFormat {
				t.Errorf("format = %v, want %v", format, tt.wantFormat)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("DecodeStakeholders(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestDecodeTicketLinks(t *testing.T) {
	got, format, err := DecodeTicketLinks("https://jira.example/ABC-1\nhttps://jira.example/ABC-2")
	if err != nil {
		t.Fatalf("DecodeTicketLinks() error = %v", err)
	}
	if format != FormatDelimited {
		t.Errorf("format = %v, want delimited", format)
	}
	want := []TicketLink{{URL: "https://jira.example/ABC-1"}, {URL: "https://jira.example/ABC-2"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DecodeTicketLinks() = %+v, want %+v", got, want)
	}

	got, format, err = DecodeTicketLinks(`[{"label":"ABC-1","url":"https://jira.example/ABC-1"}]`)
	if err != nil || format != FormatObjects || len(got) != 1 || got[0].Label != "ABC-1" {
		t.Errorf("DecodeTicketLinks(objects) = %+v, %v, %v", got, format, err)
	}

	if _, _, err := DecodeTicketLinks(`[{"label":"no url"}]`); err == nil {
		t.Error("DecodeTicketLinks() without url = nil error, want error")
	}
}

func TestEncodeStakeholders_RoundTrip(t *testing.T) {
	list := []Stakeholder{{Name: "Dana", Role: "sponsor"}}
	raw, err := EncodeStakeholders(list)
	if err != nil {
		t.Fatalf("EncodeStakeholders() error = %v", err)
	}
	got, format, err := DecodeStakeholders(raw)
	if err != nil || format != FormatObjects || !reflect.DeepEqual(got, list) {
		t.Errorf("round trip = %+v, %v, %v", got, format, err)
	}

	raw, err = EncodeStakeholders(nil)
	if err != nil || raw != "[]" {
		t.Errorf("EncodeStakeholders(nil) = %q, %v; want []", raw, err)
	}
}
