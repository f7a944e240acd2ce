// Provides platform-appropriate paths for kiln.
//
// Runtime and cache paths follow XDG conventions on Linux and platform-native
// conventions on macOS. Shared assets (boot loader files used by the image
// assembler) live under a share directory that can be relocated with the
// KILN_SHARE_DIR environment variable.
package paths
