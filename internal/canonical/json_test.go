package canonical

import (
	"bytes"
	"testing"
)

func TestJSONSortsKeysAndStripsWhitespace(t *testing.T) {
	in := []byte(`{ "b": 1,  "a": {"z": true, "y": null} }`)
	got, err := JSON(in)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"a":{"y":null,"z":true},"b":1}`
	if string(got) != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestJSONIdempotent(t *testing.T) {
	in := []byte(`{"m":[1,2,{"k":"v"}],"n":-0.5,"s":"x"}`)
	once, err := JSON(in)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	twice, err := JSON(once)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if !bytes.Equal(once, twice) {
		t.Fatalf("not idempotent: %s vs %s", once, twice)
	}
}

func TestJSONMinimalIntegers(t *testing.T) {
	cases := map[string]string{
		`{"n": 10}`:     `{"n":10}`,
		`{"n": 1e2}`:    `{"n":100}`,
		`{"n": -0}`:     `{"n":0}`,
		`{"n": 2.0}`:    `{"n":2}`,
		`{"n": 123456}`: `{"n":123456}`,
	}
	for in, want := range cases {
		got, err := JSON([]byte(in))
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if string(got) != want {
			t.Errorf("%s: got %s want %s", in, got, want)
		}
	}
}

func TestJSONStringEscaping(t *testing.T) {
	got, err := JSON([]byte(`{"s":"a\"b\\c\ndé"}`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := "{\"s\":\"a\\\"b\\\\c\\ndé\"}"
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestStripRemovesTopLevelFields(t *testing.T) {
	in := []byte(`{"keep":1,"drop":2,"signatures":{"x":{}}}`)
	got, err := Strip(in, "drop", "signatures", "absent")
	if err != nil {
		t.Fatalf("strip: %v", err)
	}
	if string(got) != `{"keep":1}` {
		t.Fatalf("got %s", got)
	}
}

func TestJSONRejectsNonJSON(t *testing.T) {
	if _, err := JSON([]byte(`{invalid`)); err == nil {
		t.Fatal("expected error for invalid input")
	}
}

func FuzzJSON(f *testing.F) {
	f.Add([]byte(`{"a":1}`))
	f.Add([]byte(`[1,2,3]`))
	f.Add([]byte(`{"k":{"x":[true,null,"s"]},"z":-7}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		out, err := JSON(data)
		if err != nil {
			return
		}
		again, err := JSON(out)
		if err != nil {
			t.Fatalf("canonical output failed to re-canonicalize: %v", err)
		}
		if !bytes.Equal(out, again) {
			t.Fatalf("not a fixed point: %s vs %s", out, again)
		}
	})
}
