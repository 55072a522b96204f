package calls

import (
	"errors"
	"testing"
)

func TestDirectionValid(t *testing.T) {
	for _, d := range []Direction{DirectionInbound, DirectionOutbound, DirectionInternal} {
		if !d.Valid() {
			t.Fatalf("expected %q valid", d)
		}
	}
	if Direction("sideways").Valid() {
		t.Fatalf("expected unknown direction invalid")
	}
}

func TestNormalizedCallValidate(t *testing.T) {
	ok := NormalizedCall{Provider: ProviderMango, ProviderCallID: "c1", DurationSeconds: 10, Direction: DirectionInbound}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}

	cases := []NormalizedCall{
		{Provider: ProviderMango},
		{Provider: ProviderMango, ProviderCallID: "c1", DurationSeconds: -1},
		{Provider: ProviderMango, ProviderCallID: "c1", Direction: "up"},
	}
	for i, c := range cases {
		if err := c.Validate(); !errors.Is(err, ErrInvalidCall) {
			t.Fatalf("case %d: expected ErrInvalidCall, got %v", i, err)
		}
	}
}
