package protocol

import (
	"strings"
	"testing"
)

func TestResultWireShape(t *testing.T) {
	data, err := Encode(Response{
		Network: "lan",
		Search:  "video",
		Param:   ParamNames,
		Page:    1,
		Results: []Result{{Name: "video.mp4", ID: "abc", Downloads: 3}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"results":[["video.mp4","abc",3]]`) {
		t.Errorf("unexpected encoding: %s", data)
	}
	if data[len(data)-1] != '\n' {
		t.Error("expected trailing newline")
	}

	resp, err := DecodeResponse(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Downloads != 3 || resp.Results[0].ID != "abc" {
		t.Errorf("unexpected decode: %+v", resp)
	}
}

func TestResultRejectsWrongArity(t *testing.T) {
	if _, err := DecodeResponse([]byte(`{"results":[["a","b"]]}`)); err == nil {
		t.Error("expected error for two element result")
	}
}

func TestParamNormalize(t *testing.T) {
	cases := map[Param]Param{
		"":        ParamDefault,
		"bogus":   ParamDefault,
		"names":   ParamNames,
		"tags":    ParamTags,
		"default": ParamDefault,
	}
	for in, want := range cases {
		if got := in.Normalize(); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMatches(t *testing.T) {
	q := Query{Network: "lan", Search: "x", Param: ParamTags, Page: 2}
	if !Matches(q, Response{Network: "lan", Search: "x", Param: ParamTags, Page: 2}) {
		t.Error("expected match")
	}
	if Matches(q, Response{Network: "lan", Search: "x", Param: ParamTags, Page: 1}) {
		t.Error("expected page mismatch")
	}
}
