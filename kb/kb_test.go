package kb

import "testing"

func TestGetSpecialKey(t *testing.T) {
	tests := []struct {
		key       string
		modifiers Modifier
		keyCode   int64
		want      string
	}{
		{"Space", 0, VKSpace, " "},
		{"Enter", 0, VKEnter, "\r"},
		{"a", 0, 65, "a"},
		{"a", ModifierShift, 65, "A"},
		{"1", ModifierShift, 49, "!"},
		{"/", ModifierShift, 47, "?"},
		{"Shift", ModifierShift, 16, ""},
		{"F5", 0, 116, ""},
	}
	for _, test := range tests {
		if got := GetSpecialKey(test.key, test.modifiers, test.keyCode); got != test.want {
			t.Errorf("GetSpecialKey(%q, %d, %d) = %q, want %q",
				test.key, test.modifiers, test.keyCode, got, test.want)
		}
	}
}

func TestGetSpecialCode(t *testing.T) {
	tests := []struct{ key, want string }{
		{"a", "KeyA"},
		{"Z", "KeyZ"},
		{"7", "Digit7"},
		{";", "Semicolon"},
		{":", "Semicolon"},
		{"?", "Slash"},
		{"[", "BracketLeft"},
		{"Shift", "ShiftLeft"},
		{"Control", "ControlLeft"},
		{"Enter", "Enter"},
	}
	for _, test := range tests {
		if got := GetSpecialCode(test.key); got != test.want {
			t.Errorf("GetSpecialCode(%q) = %q, want %q", test.key, got, test.want)
		}
	}
}

func TestVirtualKeyCode(t *testing.T) {
	tests := []struct {
		key  string
		want int64
	}{
		{"a", 65},
		{"A", 65},
		{"5", 53},
		{"?", 63},
		{"|", 124},
		{"Enter", 13},
		{"Space", 32},
		{"Tab", 9},
		{"Backspace", 8},
		{"Escape", 27},
		{"NoSuchKey", 0},
	}
	for _, test := range tests {
		if got := VirtualKeyCode(test.key); got != test.want {
			t.Errorf("VirtualKeyCode(%q) = %d, want %d", test.key, got, test.want)
		}
	}
}

func TestModifierBits(t *testing.T) {
	if ModifierAlt|ModifierControl|ModifierMeta|ModifierShift != 15 {
		t.Error("modifier bits are not the CDP bitmask")
	}
	if ModifierBit("Shift") != ModifierShift {
		t.Error("ModifierBit(Shift)")
	}
	if ModifierBit("Escape") != 0 {
		t.Error("non-modifier key has a modifier bit")
	}
}
