// Package datapath contains the datapath hooks the harness installs below
// the connection layer: the probe observer that drops and detects path
// validation packets, and the rebinder that models a NAT changing the
// client's source address.
package datapath
