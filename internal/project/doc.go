// Package project loads kiln project files.
//
// A project file (kiln.toml) ties the other packages together: it names the
// recipe sources, the root recipes to build, the variant matrix, and the disk
// layout, along with execution settings such as the worker count and the
// containerd connection. Relative paths are resolved against the directory
// holding the file, so a project builds the same way from any working
// directory:
//
//	recipes = ["recipes/*.toml"]
//	roots = ["app"]
//	default_image = "docker.io/library/debian:bookworm"
//	workers = 4
//	timeout = "30m"
//	platform = "linux/arm64"
//
//	[[matrix.axis]]
//	name = "board"
//	values = ["rpi4", "rpi5"]
//
//	[layout]
//	table = "gpt"
//	boot = "tryboot"
//
//	[[layout.partitions]]
//	name = "root-a"
//	size = "content"
//	source = { kind = "rootfs" }
//	filesystem = "ext4"
//	slot = "a"
//
// Example usage:
//
//	p, err := project.Load(".")
//	if err != nil {
//	    return err
//	}
//	g, err := p.Graph()
//	if err != nil {
//	    return err
//	}
//	targets, err := p.Targets(nil)
package project
