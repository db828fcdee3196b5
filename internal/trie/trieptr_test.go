package trie

import "testing"

func TestFromBitsRoundTrip(t *testing.T) {
	p, err := FromBits(KindBasicKeyedTerm, COW, 42)
	if err != nil {
		t.Fatalf("FromBits: %v", err)
	}
	if p.Kind() != KindBasicKeyedTerm {
		t.Errorf("Kind() = %v, want BasicKeyedTerm", p.Kind())
	}
	if p.State() != COW {
		t.Errorf("State() = %v, want COW", p.State())
	}
	if p.Data() != 42 {
		t.Errorf("Data() = %d, want 42", p.Data())
	}
}

func TestFromBitsRejectsOverflow(t *testing.T) {
	_, err := FromBits(KindSparseTerm, COW, dataMask+1)
	if err != ErrDataOverflow {
		t.Fatalf("err = %v, want ErrDataOverflow", err)
	}
}

func TestNullIsNull(t *testing.T) {
	if !Null().IsNull() {
		t.Fatal("Null() should report IsNull()")
	}
	p, _ := FromBits(KindInlineTerm, COW, 1)
	if p.IsNull() {
		t.Fatal("a non-zero TriePtr should not report IsNull()")
	}
}

func TestWithStateFlipsOnlyState(t *testing.T) {
	p, _ := FromBits(KindSparseBranch, COW, 7)
	q := p.WithState(InPlace)
	if q.State() != InPlace {
		t.Fatalf("State() = %v, want InPlace", q.State())
	}
	if q.Kind() != p.Kind() || q.Data() != p.Data() {
		t.Fatal("WithState changed kind or data")
	}
}

func TestFromRawBitsMatchesBits(t *testing.T) {
	p, _ := FromBits(KindDenseBranch, InPlace, 100)
	q := FromRawBits(p.Bits())
	if !p.Equal(q) {
		t.Fatal("FromRawBits(p.Bits()) should equal p")
	}
}
