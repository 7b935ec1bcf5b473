//go:build !linux

package service

const defaultUnitDir = ""

func (m *Manager) install(Config, string) error { return ErrUnsupported }

func (m *Manager) uninstall(string) error { return ErrUnsupported }

func (m *Manager) status(string) (string, error) { return "", ErrUnsupported }
