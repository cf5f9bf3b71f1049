//go:build !linux

package mountmap

func platformAttributes() Attributes {
	return noAttributes{}
}
