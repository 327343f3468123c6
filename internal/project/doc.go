// Package project locates the project root the gate confines agents to and reads the
// repository HEAD recorded in cycle reports.
//
// Detection walks up from a starting directory to the enclosing git worktree. Outside a
// repository the starting directory itself is the root and HEAD is empty.
package project
