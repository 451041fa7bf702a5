package policy

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestNewBypassSet(t *testing.T) {

	Convey("Given a set built from multiple overlapping sources", t, func() {

		s, err := NewBypassSet(
			[]string{"10.0.0.0/8"},
			[]string{"172.16.5.0/24", "10.0.0.0/8"},
			[]string{"198.51.100.0/24"},
		)

		Convey("It should succeed and deduplicate across sources", func() {
			So(err, ShouldBeNil)
			So(s.Len(), ShouldEqual, 3)
			So(s.Networks(), ShouldResemble, []string{"10.0.0.0/8", "172.16.5.0/24", "198.51.100.0/24"})
		})
	})

	Convey("Given entries that are not in canonical form", t, func() {

		s, err := NewBypassSet([]string{"192.168.1.77", "10.1.2.3/8", "  172.16.0.0/12 ", ""})

		Convey("They should be masked, host-routed and trimmed", func() {
			So(err, ShouldBeNil)
			So(s.Networks(), ShouldResemble, []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.1.77/32"})
		})
	})

	Convey("Given entries out of address order", t, func() {

		s, err := NewBypassSet([]string{"224.0.0.0/4", "9.0.0.0/8", "10.0.0.0/8", "10.0.0.0/16"})

		Convey("The result should be ordered by address then prefix", func() {
			So(err, ShouldBeNil)
			So(s.Networks(), ShouldResemble, []string{"9.0.0.0/8", "10.0.0.0/8", "10.0.0.0/16", "224.0.0.0/4"})
		})
	})

	Convey("Given an invalid network", t, func() {

		_, err := NewBypassSet([]string{"300.1.1.1/8"})

		Convey("It should fail", func() {
			So(err, ShouldNotBeNil)
		})
	})
}

func TestAlwaysBypassNetworks(t *testing.T) {

	Convey("The static bypass list", t, func() {

		nets := AlwaysBypassNetworks()

		Convey("Should never be empty and should include the reserved ranges", func() {
			So(nets, ShouldContain, "127.0.0.0/8")
			So(nets, ShouldContain, "10.0.0.0/8")
			So(nets, ShouldContain, "172.16.0.0/12")
			So(nets, ShouldContain, "192.168.0.0/16")
			So(nets, ShouldContain, "169.254.0.0/16")
			So(nets, ShouldContain, "224.0.0.0/4")
			So(nets, ShouldContain, "240.0.0.0/4")
		})

		Convey("Should parse cleanly into a set of the same size", func() {
			s, err := NewBypassSet(nets)
			So(err, ShouldBeNil)
			So(s.Len(), ShouldEqual, len(nets))
		})

		Convey("Returned slices should be copies", func() {
			nets[0] = "changed"
			So(AlwaysBypassNetworks()[0], ShouldNotEqual, "changed")
		})
	})
}

func TestSerialize(t *testing.T) {

	Convey("Given a populated set", t, func() {

		s, err := NewBypassSet([]string{"10.0.0.0/8", "172.16.5.0/24"})
		So(err, ShouldBeNil)

		Convey("Serialize should emit one network per line with a trailing newline", func() {
			So(string(s.Serialize()), ShouldEqual, "10.0.0.0/8\n172.16.5.0/24\n")
		})
	})

	Convey("Given an empty set", t, func() {

		Convey("Serialize should emit nothing", func() {
			So(len(BypassSet{}.Serialize()), ShouldEqual, 0)
		})
	})
}

func TestParseNetworkList(t *testing.T) {

	Convey("Given a raw remote document", t, func() {

		doc := []byte("# header\n198.51.100.0/24\n\n! other comment\n203.0.113.7\nnot-a-network\n")

		networks := ParseNetworkList(doc)

		Convey("Comments, blanks and junk should be skipped", func() {
			So(networks, ShouldResemble, []string{"198.51.100.0/24", "203.0.113.7"})
		})
	})
}
