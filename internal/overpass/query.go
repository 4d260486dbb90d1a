package overpass

import (
	"fmt"
	"strconv"
	"strings"
)

// healthcareAmenities は検索対象のamenityタグ値。
var healthcareAmenities = []string{"hospital", "clinic"}

// elementKinds はOverpassの要素種別。wayとrelationは`out center;`で中心座標が付与される。
var elementKinds = []string{"node", "way", "relation"}

// BuildQuery は指定座標から半径radiusメートル以内の病院・診療所を検索するOverpass QLを組み立てる。
func BuildQuery(lat, lon float64, radius int) string {
	around := fmt.Sprintf("(around:%d,%s,%s)", radius, formatCoord(lat), formatCoord(lon))

	var b strings.Builder
	b.WriteString("[out:json][timeout:25];\n(\n")
	for _, amenity := range healthcareAmenities {
		for _, kind := range elementKinds {
			fmt.Fprintf(&b, "  %s[\"amenity\"=%q]%s;\n", kind, amenity, around)
		}
	}
	b.WriteString(");\nout center;\n")
	return b.String()
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
