package detector

import (
	"context"
	"testing"
	"time"
)

func TestBuildCommand(t *testing.T) {
	ctx := context.Background()
	c := buildCommand(ctx, "echo hello")
	if len(c.Args) == 0 || c.Args[0] != "echo" {
		t.Fatalf("expected direct exec echo, got %#v", c.Args)
	}
	c = buildCommand(ctx, "echo hi | cat")
	if len(c.Args) < 2 || c.Args[0] != "/bin/sh" || c.Args[1] != "-c" {
		t.Fatalf("expected /bin/sh -c, got %#v", c.Args)
	}
}

func TestCommandDetectorAliveAndDescribe(t *testing.T) {
	d := CommandDetector{Command: "true"}
	alive, err := d.Alive()
	if err != nil || !alive {
		t.Fatalf("true should be alive, got alive=%v err=%v", alive, err)
	}
	if d.Describe() != "cmd:true" {
		t.Fatalf("Describe mismatch: %q", d.Describe())
	}

	d = CommandDetector{Command: "sh -c 'exit 3'"}
	alive, err = d.Alive()
	if err != nil || alive {
		t.Fatalf("non-zero exit expected false,nil, got alive=%v err=%v", alive, err)
	}

	d = CommandDetector{Command: "__definitely_not_exists__"}
	alive, err = d.Alive()
	if err == nil || alive {
		t.Fatalf("missing binary expected error, got alive=%v err=%v", alive, err)
	}

	if _, err := (CommandDetector{Command: "  "}).Alive(); err == nil {
		t.Fatal("empty command expected error")
	}
}

func TestCommandDetectorTimeout(t *testing.T) {
	start := time.Now()
	alive, err := CommandDetector{Command: "sleep 5", Timeout: 200 * time.Millisecond}.Alive()
	if err != nil || alive {
		t.Fatalf("timed out command expected false,nil, got alive=%v err=%v", alive, err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("timeout not enforced: %v", time.Since(start))
	}
}
