package codec

import (
	"bytes"
	"testing"
)

type pair struct {
	A, B int
}

func TestJSONOfSingleArg(t *testing.T) {
	c := JSONOf[string]()

	payload, err := c.EncodeRequest([]any{"hi"})
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != `"hi"` {
		t.Fatalf("unexpected payload %s", payload)
	}

	v, err := c.DecodeResponse(payload)
	if err != nil {
		t.Fatal(err)
	}
	if v.(string) != "hi" {
		t.Fatalf("expect hi, got %v", v)
	}
}

func TestJSONOfStruct(t *testing.T) {
	c := JSONOf[pair]()

	v, err := c.DecodeResponse([]byte(`{"A":1,"B":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if v.(pair) != (pair{1, 2}) {
		t.Fatalf("unexpected value %+v", v)
	}
}

func TestJSONOfArgs(t *testing.T) {
	c := JSONOf[int]()

	payload, err := c.EncodeRequest(nil)
	if err != nil || payload != nil {
		t.Fatalf("expect empty payload, got %s, %v", payload, err)
	}

	payload, err = c.EncodeRequest([]any{1, "two"})
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != `[1,"two"]` {
		t.Fatalf("unexpected payload %s", payload)
	}
}

func TestRaw(t *testing.T) {
	c := Raw()

	payload, err := c.EncodeRequest([]any{"hi"})
	if err != nil {
		t.Fatal(err)
	}
	v, err := c.DecodeResponse(payload)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(v.([]byte), []byte("hi")) {
		t.Fatalf("expect hi, got %v", v)
	}

	if _, err := c.EncodeRequest([]any{1}); err == nil {
		t.Fatal("expect error for int argument")
	}
	if _, err := c.EncodeRequest([]any{"a", "b"}); err == nil {
		t.Fatal("expect error for two arguments")
	}
}
