package ce

import (
	"errors"
	"slices"
	"testing"
)

func newBoard(t *testing.T, initial State) (*Device, *testHW) {
	t.Helper()
	hw := &testHW{initial: initial}
	d := NewDevice("BOARD", hw)
	if err := declareAll(d, boardTransitions); err != nil {
		t.Fatalf("declaring transitions: %v", err)
	}
	return d, hw
}

func TestTriggerTransition_Legality(t *testing.T) {
	for _, tr := range boardTransitions {
		for _, from := range AllStates {
			t.Run(tr.Name+"/"+from.String(), func(t *testing.T) {
				d, _ := newBoard(t, Off)
				d.state = from

				err := d.TriggerTransition(tr.Name)
				if tr.Allowed(from) {
					if err != nil {
						t.Fatalf("TriggerTransition() error = %v", err)
					}
					if d.State() != tr.To {
						t.Errorf("state = %v, want %v", d.State(), tr.To)
					}
					return
				}
				if !errors.Is(err, ErrIllegalTransition) {
					t.Errorf("error = %v, want ErrIllegalTransition", err)
				}
				if d.State() != from {
					t.Errorf("state changed to %v on illegal transition", d.State())
				}
			})
		}
	}
}

func TestForcedStates(t *testing.T) {
	for _, from := range AllStates {
		d, _ := newBoard(t, Off)
		d.state = from
		d.ForceError("test")
		if d.State() != Error {
			t.Errorf("ForceError from %v: state = %v", from, d.State())
		}

		d.state = from
		d.ForceFailure("test")
		if d.State() != Failure {
			t.Errorf("ForceFailure from %v: state = %v", from, d.State())
		}
	}
}

func TestTriggerTransition_ViaAndHooks(t *testing.T) {
	d, hw := newBoard(t, Off)
	d.state = On

	if err := d.TriggerTransition("configure"); err != nil {
		t.Fatalf("configure error = %v", err)
	}
	want := []string{"leave:ON", "enter:CONFIGURING", "leave:CONFIGURING", "enter:CONFIGURED"}
	if got := hw.Events(); !slices.Equal(got, want) {
		t.Errorf("hooks = %v, want %v", got, want)
	}
}

func TestTriggerTransition_ActionFailure(t *testing.T) {
	d := NewDevice("X", &testHW{})
	boom := errors.New("boom")
	if err := d.DeclareTransition(Transition{
		Name:   "load",
		From:   []State{On},
		Via:    Configuring,
		To:     Configured,
		Action: func(*Device) error { return boom },
	}); err != nil {
		t.Fatal(err)
	}
	d.state = On

	if err := d.TriggerTransition("load"); !errors.Is(err, boom) {
		t.Errorf("error = %v, want boom", err)
	}
	if d.State() != Error {
		t.Errorf("state = %v, want ERROR after failed action", d.State())
	}
}

func TestDeclareTransition(t *testing.T) {
	d := NewDevice("X", &testHW{})
	if err := d.DeclareTransition(Transition{Name: "a", From: []State{Off}, To: On}); err != nil {
		t.Fatal(err)
	}
	if err := d.DeclareTransition(Transition{Name: "a", From: []State{On}, To: Off}); !errors.Is(err, ErrTransitionExists) {
		t.Errorf("duplicate error = %v", err)
	}
	if err := d.DeclareTransition(Transition{Name: "b", To: Unknown}); err == nil {
		t.Error("Unknown target should be rejected")
	}
	if err := d.TriggerTransition("missing"); !errors.Is(err, ErrUnknownTransition) {
		t.Errorf("unknown transition error = %v", err)
	}
}

func TestSynchronize(t *testing.T) {
	d, hw := newBoard(t, Configured)
	if got := d.Synchronize(); got != Configured || d.State() != Configured {
		t.Errorf("Synchronize() = %v, state %v", got, d.State())
	}
	if len(hw.Events()) != 2 {
		t.Errorf("hooks = %v", hw.Events())
	}

	// already in sync: no hooks
	d.Synchronize()
	if len(hw.Events()) != 2 {
		t.Errorf("second Synchronize() ran hooks: %v", hw.Events())
	}
}

func TestAddChild(t *testing.T) {
	root := NewDevice("ROOT", &testHW{})
	child := NewDevice("CHILD", &testHW{})
	grandchild := NewDevice("GRAND", &testHW{})

	if err := root.AddChild(child); err != nil {
		t.Fatal(err)
	}
	if err := child.AddChild(grandchild); err != nil {
		t.Fatal(err)
	}
	if err := root.AddChild(child); !errors.Is(err, ErrAlreadyAttached) {
		t.Errorf("re-add error = %v", err)
	}
	if err := grandchild.AddChild(root); !errors.Is(err, ErrAlreadyAttached) {
		t.Errorf("cycle error = %v", err)
	}

	if grandchild.Parent() != child || len(root.Children()) != 1 {
		t.Error("tree not linked")
	}
	if child.ID() != -1 {
		t.Errorf("detached device id = %d, want -1", child.ID())
	}
	if _, err := child.AddFloatService("T", 1, func() float32 { return 0 }); !errors.Is(err, ErrDetached) {
		t.Errorf("service on detached device error = %v", err)
	}
}
