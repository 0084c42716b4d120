// Package mqttin はMQTT経由のマシン稼働イベント受信を担う
//
// 設定されたトピックを購読し、生のペイロードを正規化済みの
// マシンイベントへ変換してオーケストレーターへ渡す。ペイロードは
// "on"/"off" のような文字列と、状態・タイムスタンプを含むJSONの
// 両方を受け付ける。解釈できないペイロードは数えた上で破棄する。
//
// ブローカーとの接続は自動再接続し、再接続のたびに全トピックを
// 購読し直す。
package mqttin
