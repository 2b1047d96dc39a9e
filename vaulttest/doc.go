/*
Package vaulttest provides test doubles for the vault collaborators.

Host is a stateful in-memory model of the machine a vault runs on: a loop
device table, device-mapper mappings, a mount table and a sealing chip with
a simulated PCR state. Image files are real files in a directory chosen by
the test. Any collaborator method can be made to fail with Fail, and Calls
records the order in which methods were invoked.

	h := vaulttest.NewHost()
	deps := vault.Dependencies{
		Secrets:    h.Secrets(),
		Containers: h.Containers(),
		Loops:      h.Loops(),
		FS:         h.FS(),
		Privileged: func() bool { return true },
	}
	...
	h.Fail("Containers.Format", errors.New("boom"))
	h.SetPCRState("after-firmware-update")

The Mock* types are plain testify mocks for tests that care about exact
call sequences rather than state.
*/
package vaulttest
